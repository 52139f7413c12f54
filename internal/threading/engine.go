// Package threading groups logical messages into conversations that may span
// several folders of one account.
package threading

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/vdavid/wombat/internal/db"
	"github.com/vdavid/wombat/internal/header"
	"github.com/vdavid/wombat/internal/models"
)

// Store is the persistence the engine needs. GetThread returns
// db.ErrThreadNotFound for unknown ids.
type Store interface {
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)
	// SaveThread writes the whole thread, assigning ids to new rows.
	SaveThread(ctx context.Context, thread *models.Thread) error
	DeleteThread(ctx context.Context, threadID string) error
	ThreadIDsByMessageID(ctx context.Context, accountID, messageID string) ([]string, error)
	ThreadIDsByInReplyTo(ctx context.Context, accountID, inReplyTo string) ([]string, error)
	// LatestThreadIDBySubject returns "" when no thread has the subject.
	LatestThreadIDBySubject(ctx context.Context, accountID, baseSubject string) (string, error)
	ThreadIDsForCopies(ctx context.Context, folderID string, uids []uint32) ([]string, error)
	ThreadsForFolder(ctx context.Context, folderID string) ([]*models.Thread, error)
}

// Engine correlates messages into threads.
type Engine struct {
	store   Store
	log     zerolog.Logger
	touched Touched
}

func New(store Store, log zerolog.Logger) *Engine {
	return &Engine{store: store, log: log.With().Str("component", "threading").Logger()}
}

// Touched is the set of folder ids whose thread lists were written.
type Touched map[string]struct{}

func (t Touched) add(folderIDs []string) {
	if t == nil {
		return
	}
	for _, id := range folderIDs {
		t[id] = struct{}{}
	}
}

// IDs returns the folder ids in sorted order.
func (t Touched) IDs() []string {
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Tracking returns an engine on the same store that records into t every
// folder listed by a thread it saves or deletes, before and after the write.
func (e *Engine) Tracking(t Touched) *Engine {
	tracked := *e
	tracked.touched = t
	return &tracked
}

// Assign attaches a freshly fetched message, carrying exactly one copy, to its
// conversation and persists the result. A copy that already belongs to a thread
// is left alone and its thread returned.
func (e *Engine) Assign(ctx context.Context, accountID string, msg *models.Message) (*models.Thread, error) {
	if len(msg.Copies) == 0 {
		return nil, fmt.Errorf("message %q has no copy to assign", msg.MessageIDHeader)
	}
	if msg.BaseSubject == "" {
		msg.BaseSubject = header.StripReplyPrefix(msg.Subject)
	}

	c := msg.Copies[0]
	owners, err := e.store.ThreadIDsForCopies(ctx, c.FolderID, []uint32{c.UID})
	if err != nil {
		return nil, fmt.Errorf("failed to check copy ownership: %w", err)
	}
	if len(owners) > 0 {
		return e.store.GetThread(ctx, owners[0])
	}

	candidates, err := e.candidates(ctx, accountID, msg)
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		thread := &models.Thread{AccountID: accountID}
		addMessage(thread, msg)
		thread.Refresh()
		if err := e.store.SaveThread(ctx, thread); err != nil {
			return nil, fmt.Errorf("failed to save new thread: %w", err)
		}
		e.touched.add(thread.FolderIDs)
		return thread, nil
	}

	thread, err := e.store.GetThread(ctx, candidates[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load thread %s: %w", candidates[0], err)
	}
	if err := e.mergeInto(ctx, thread, candidates[1:], msg); err != nil {
		return nil, err
	}
	return thread, nil
}

// candidates returns matching thread ids, best match first, without duplicates.
func (e *Engine) candidates(ctx context.Context, accountID string, msg *models.Message) ([]string, error) {
	var ids []string
	seen := make(map[string]bool)
	add := func(found []string, err error, what string) error {
		if err != nil {
			return fmt.Errorf("failed to look up threads by %s: %w", what, err)
		}
		for _, id := range found {
			if id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		return nil
	}

	if msg.InReplyTo != "" {
		found, err := e.store.ThreadIDsByMessageID(ctx, accountID, msg.InReplyTo)
		if err := add(found, err, "parent message id"); err != nil {
			return nil, err
		}
	}
	if msg.MessageIDHeader != "" {
		found, err := e.store.ThreadIDsByInReplyTo(ctx, accountID, msg.MessageIDHeader)
		if err := add(found, err, "replies"); err != nil {
			return nil, err
		}
		found, err = e.store.ThreadIDsByMessageID(ctx, accountID, msg.MessageIDHeader)
		if err := add(found, err, "message id"); err != nil {
			return nil, err
		}
	}
	if msg.InReplyTo != "" {
		found, err := e.store.ThreadIDsByInReplyTo(ctx, accountID, msg.InReplyTo)
		if err := add(found, err, "siblings"); err != nil {
			return nil, err
		}
	}

	// Subject matching is a last resort for mail without any id headers.
	if msg.MessageIDHeader == "" && msg.InReplyTo == "" && msg.BaseSubject != "" {
		id, err := e.store.LatestThreadIDBySubject(ctx, accountID, msg.BaseSubject)
		if err := add([]string{id}, err, "subject"); err != nil {
			return nil, err
		}
	}

	return ids, nil
}

// Merge moves every message of thread b into thread a and deletes b.
// It is a no-op when both ids are equal or b no longer exists.
func (e *Engine) Merge(ctx context.Context, aID, bID string) (*models.Thread, error) {
	a, err := e.store.GetThread(ctx, aID)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread %s: %w", aID, err)
	}
	if err := e.mergeInto(ctx, a, []string{bID}, nil); err != nil {
		return nil, err
	}
	return a, nil
}

// mergeInto moves the messages of the threads in ids into thread, adds msg
// when set, saves thread and deletes the absorbed threads. Ids of thread
// itself or of threads already gone are skipped; with nothing to add the
// store is not written.
func (e *Engine) mergeInto(ctx context.Context, thread *models.Thread, ids []string, msg *models.Message) error {
	var absorbed []*models.Thread
	for _, id := range ids {
		if id == thread.ID {
			continue
		}
		other, err := e.store.GetThread(ctx, id)
		if errors.Is(err, db.ErrThreadNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load thread %s: %w", id, err)
		}
		for _, m := range other.Messages {
			addMessage(thread, m)
		}
		absorbed = append(absorbed, other)
	}

	if msg == nil && len(absorbed) == 0 {
		return nil
	}
	if msg != nil {
		addMessage(thread, msg)
	}
	// Refresh reuses the FolderIDs slice, so record the old folders first.
	e.touched.add(thread.FolderIDs)
	thread.Refresh()

	if err := e.store.SaveThread(ctx, thread); err != nil {
		return fmt.Errorf("failed to save thread %s: %w", thread.ID, err)
	}
	e.touched.add(thread.FolderIDs)

	for _, other := range absorbed {
		if err := e.store.DeleteThread(ctx, other.ID); err != nil {
			return fmt.Errorf("failed to delete merged thread %s: %w", other.ID, err)
		}
		e.touched.add(other.FolderIDs)
		e.log.Debug().Str("into", thread.ID).Str("from", other.ID).Msg("merged threads")
	}

	return nil
}

// Remove detaches the copies at (folderID, uid). Messages left without copies
// are dropped and threads left without messages are deleted.
func (e *Engine) Remove(ctx context.Context, folderID string, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}

	ids, err := e.store.ThreadIDsForCopies(ctx, folderID, uids)
	if err != nil {
		return fmt.Errorf("failed to find threads for removed copies: %w", err)
	}

	gone := make(map[uint32]bool, len(uids))
	for _, uid := range uids {
		gone[uid] = true
	}

	for _, id := range ids {
		thread, err := e.store.GetThread(ctx, id)
		if errors.Is(err, db.ErrThreadNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load thread %s: %w", id, err)
		}
		e.touched.add(thread.FolderIDs)

		kept := thread.Messages[:0]
		for _, m := range thread.Messages {
			copies := m.Copies[:0]
			for _, c := range m.Copies {
				if c.FolderID == folderID && gone[c.UID] {
					continue
				}
				copies = append(copies, c)
			}
			m.Copies = copies
			if len(m.Copies) > 0 {
				kept = append(kept, m)
			}
		}
		thread.Messages = kept

		if len(thread.Messages) == 0 {
			if err := e.store.DeleteThread(ctx, id); err != nil {
				return fmt.Errorf("failed to delete empty thread %s: %w", id, err)
			}
			continue
		}

		thread.Refresh()
		if err := e.store.SaveThread(ctx, thread); err != nil {
			return fmt.Errorf("failed to save thread %s: %w", id, err)
		}
		e.touched.add(thread.FolderIDs)
	}

	return nil
}

// EnsureUnread makes the read flag of every copy in the folder match the
// server: unseen UIDs are unread, everything else is read. Only threads that
// change are written. It returns the number of threads written.
func (e *Engine) EnsureUnread(ctx context.Context, folderID string, unseen []uint32) (int, error) {
	threads, err := e.store.ThreadsForFolder(ctx, folderID)
	if err != nil {
		return 0, fmt.Errorf("failed to load threads for folder: %w", err)
	}

	unread := make(map[uint32]bool, len(unseen))
	for _, uid := range unseen {
		unread[uid] = true
	}

	written := 0
	for _, thread := range threads {
		changed := false
		for _, m := range thread.Messages {
			for i := range m.Copies {
				c := &m.Copies[i]
				if c.FolderID != folderID {
					continue
				}
				if want := !unread[c.UID]; c.IsRead != want {
					c.IsRead = want
					changed = true
				}
			}
		}
		if !changed {
			continue
		}
		if err := e.store.SaveThread(ctx, thread); err != nil {
			return written, fmt.Errorf("failed to save thread %s: %w", thread.ID, err)
		}
		e.touched.add(thread.FolderIDs)
		written++
	}

	return written, nil
}

// FindMissing returns, per folder, the UIDs to fetch so that every message of
// the thread has a body. One copy per message is enough.
func FindMissing(thread *models.Thread) map[string][]uint32 {
	missing := make(map[string][]uint32)
	for _, m := range thread.Messages {
		if m.IsFetched || len(m.Copies) == 0 {
			continue
		}
		c := m.Copies[0]
		missing[c.FolderID] = append(missing[c.FolderID], c.UID)
	}
	return missing
}

// addMessage appends msg to the thread, or folds its copies into an existing
// message when both are the same email.
func addMessage(thread *models.Thread, msg *models.Message) {
	for _, existing := range thread.Messages {
		if existing == msg {
			return
		}
		if !existing.SameEmail(msg) {
			continue
		}
		for _, c := range msg.Copies {
			if !existing.HasCopy(c.FolderID, c.UID) {
				existing.Copies = append(existing.Copies, c)
			}
		}
		if existing.MessageIDHeader == "" {
			existing.MessageIDHeader = msg.MessageIDHeader
		}
		if existing.InReplyTo == "" {
			existing.InReplyTo = msg.InReplyTo
		}
		if !existing.IsFetched && msg.IsFetched {
			existing.BodyText = msg.BodyText
			existing.UnsafeBodyHTML = msg.UnsafeBodyHTML
			existing.Attachments = msg.Attachments
			existing.IsFetched = true
		}
		return
	}
	thread.Messages = append(thread.Messages, msg)
}
