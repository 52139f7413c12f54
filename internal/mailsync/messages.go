package mailsync

import (
	"context"
	"fmt"
	"sort"

	"github.com/vdavid/wombat/internal/header"
	"github.com/vdavid/wombat/internal/imap"
	"github.com/vdavid/wombat/internal/models"
	"github.com/vdavid/wombat/internal/threading"
)

// snapshot is what one read-only pass over a remote folder returns.
type snapshot struct {
	remote    []uint32
	unseen    []uint32
	envelopes []*imap.Envelope
}

// SyncMessages brings the local copies of one folder in line with the server.
// All remote reads finish before any local write, so a failing command leaves
// the store untouched. A nil sess opens a session for the call.
func (s *Service) SyncMessages(ctx context.Context, folderID string, sess imap.Session) error {
	folder, err := s.store.GetFolder(ctx, folderID)
	if err != nil {
		return fmt.Errorf("failed to get folder: %w", err)
	}
	if !folder.Selectable() {
		return nil
	}

	account, err := s.store.GetAccount(ctx, folder.AccountID)
	if err != nil {
		return fmt.Errorf("failed to get account: %w", err)
	}
	if !account.Healthy {
		return ErrAccountUnhealthy
	}

	sess, release, err := s.open(ctx, account, sess)
	if err != nil {
		return err
	}
	defer release()

	log := s.accountLog(account).With().Str("folder", folder.Name).Logger()

	local, err := s.store.CopyUIDs(ctx, folder.ID)
	if err != nil {
		return fmt.Errorf("failed to list local copies: %w", err)
	}

	snap, err := readFolder(sess, folder.Name, local)
	if err != nil {
		logProtocolError(log, err, "message sync failed")
		return err
	}

	touched := threading.Touched{folder.ID: {}}
	threads := s.threads.Tracking(touched)
	defer s.invalidate(ctx, account, touched)

	removed := difference(local, snap.remote)
	if err := threads.Remove(ctx, folder.ID, removed); err != nil {
		return fmt.Errorf("failed to remove vanished messages: %w", err)
	}

	for _, env := range snap.envelopes {
		if _, err := threads.Assign(ctx, account.ID, messageFromEnvelope(folder.ID, env)); err != nil {
			return fmt.Errorf("failed to assign message %d: %w", env.UID, err)
		}
	}

	written, err := threads.EnsureUnread(ctx, folder.ID, snap.unseen)
	if err != nil {
		return fmt.Errorf("failed to update read flags: %w", err)
	}

	if total, unread := len(snap.remote), len(snap.unseen); total != folder.Total || unread != folder.Unread {
		if err := s.store.UpdateFolderCounts(ctx, folder.ID, total, unread); err != nil {
			return fmt.Errorf("failed to update folder counts: %w", err)
		}
	}

	log.Debug().
		Int("added", len(snap.envelopes)).
		Int("removed", len(removed)).
		Int("flag_updates", written).
		Msg("folder synced")
	return nil
}

// readFolder selects the folder read-only, collects the UID sets and the
// envelopes of UIDs not yet known locally, and closes the folder again.
func readFolder(sess imap.Session, name string, local []uint32) (snap snapshot, err error) {
	if _, err := sess.SelectFolder(name, true); err != nil {
		return snap, err
	}
	defer func() {
		if cerr := sess.CloseFolder(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if snap.remote, err = sess.SearchAll(); err != nil {
		return snap, err
	}
	if snap.unseen, err = sess.SearchUnseen(); err != nil {
		return snap, err
	}

	toFetch := difference(snap.remote, local)
	if len(toFetch) == 0 {
		return snap, nil
	}

	fetched, err := sess.FetchEnvelopes(toFetch)
	if err != nil {
		return snap, err
	}
	for _, uid := range toFetch {
		// Messages expunged between SEARCH and FETCH come back missing.
		if env, ok := fetched[uid]; ok {
			snap.envelopes = append(snap.envelopes, env)
		}
	}
	sort.SliceStable(snap.envelopes, func(i, j int) bool {
		return snap.envelopes[i].Date.Before(snap.envelopes[j].Date)
	})

	return snap, nil
}

// difference returns the elements of a that are not in b, keeping a's order.
func difference(a, b []uint32) []uint32 {
	in := make(map[uint32]bool, len(b))
	for _, v := range b {
		in[v] = true
	}
	var out []uint32
	for _, v := range a {
		if !in[v] {
			out = append(out, v)
		}
	}
	return out
}

func messageFromEnvelope(folderID string, env *imap.Envelope) *models.Message {
	return &models.Message{
		MessageIDHeader: env.MessageID,
		InReplyTo:       env.InReplyTo,
		SentAt:          env.Date.UTC(),
		Subject:         env.Subject,
		BaseSubject:     header.StripReplyPrefix(env.Subject),
		FromAddress:     env.From,
		Sender:          env.Sender,
		ReplyTo:         env.ReplyTo,
		ToAddresses:     env.To,
		CCAddresses:     env.Cc,
		BCCAddresses:    env.Bcc,
		Size:            env.Size,
		HasAttachments:  env.HasAttachments,
		Copies:          []models.Copy{{FolderID: folderID, UID: env.UID, IsRead: env.Seen}},
	}
}
