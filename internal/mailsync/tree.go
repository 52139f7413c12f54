package mailsync

import (
	"context"
	"fmt"
	"strings"

	goimap "github.com/emersion/go-imap"
	"github.com/vdavid/wombat/internal/imap"
	"github.com/vdavid/wombat/internal/models"
	"github.com/vdavid/wombat/internal/threading"
)

// RFC 6154 SPECIAL-USE attributes.
const (
	attrAll     = `\All`
	attrArchive = `\Archive`
	attrDrafts  = `\Drafts`
	attrJunk    = `\Junk`
	attrSent    = `\Sent`
	attrTrash   = `\Trash`
)

const defaultDelimiter = "/"

type TreeOptions struct {
	// SkipCounts skips the STATUS refresh of folder counters.
	SkipCounts bool
	// Session is reused when set. The caller keeps ownership.
	Session imap.Session
}

// ClassifyFolder guesses a folder's role from its name, falling back to its
// SPECIAL-USE attributes.
func ClassifyFolder(name string, attrs []string) models.Role {
	switch lower := strings.ToLower(name); lower {
	case "inbox":
		return models.RoleInbox
	case "drafts", "[gmail]/drafts":
		return models.RoleDrafts
	case "outbox", "sent", "[gmail]/sent mail":
		return models.RoleOutbox
	case "queue":
		return models.RoleQueue
	case "trash", "[gmail]/trash":
		return models.RoleTrash
	case "spam", "junk", "[gmail]/spam":
		return models.RoleSpam
	default:
		if strings.HasPrefix(lower, "[gmail]") {
			return models.RoleOther
		}
	}

	info := imap.FolderInfo{Name: name, Attributes: attrs}
	switch {
	case info.HasAttr(attrSent):
		return models.RoleOutbox
	case info.HasAttr(attrDrafts):
		return models.RoleDrafts
	case info.HasAttr(attrTrash):
		return models.RoleTrash
	case info.HasAttr(attrJunk):
		return models.RoleSpam
	case info.HasAttr(attrAll), info.HasAttr(attrArchive):
		return models.RoleOther
	}
	return models.RoleNormal
}

// SyncTree mirrors the remote folder hierarchy into the store and returns the
// number of folders found. Local folders the server no longer lists are
// deleted together with the copies they held.
func (s *Service) SyncTree(ctx context.Context, accountID string, opts TreeOptions) (int, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to get account: %w", err)
	}
	if !account.Healthy {
		return 0, ErrAccountUnhealthy
	}

	sess, release, err := s.open(ctx, account, opts.Session)
	if err != nil {
		return 0, err
	}
	defer release()

	log := s.accountLog(account)

	found, err := s.walkTree(ctx, sess, account, nil, "%")
	if err != nil {
		logProtocolError(log, err, "folder tree sync failed")
		return 0, err
	}

	discovered := make(map[string]bool, len(found))
	for _, f := range found {
		discovered[f.Name] = true
	}

	local, err := s.store.ListFolders(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to list local folders: %w", err)
	}
	for _, f := range local {
		if discovered[f.Name] {
			continue
		}
		if err := s.dropFolder(ctx, account, f); err != nil {
			return 0, err
		}
		log.Info().Str("folder", f.Name).Msg("removed folder gone from server")
	}

	if !opts.SkipCounts {
		for _, f := range found {
			if !f.Selectable() {
				continue
			}
			status, err := sess.FolderStatus(f.Name)
			if err != nil {
				logProtocolError(log, err, "skipping folder counts")
				continue
			}
			if status.Total == f.Total && status.Unread == f.Unread {
				continue
			}
			if err := s.store.UpdateFolderCounts(ctx, f.ID, status.Total, status.Unread); err != nil {
				return 0, fmt.Errorf("failed to update counts of %s: %w", f.Name, err)
			}
		}
	}

	log.Debug().Int("folders", len(found)).Msg("folder tree synced")
	return len(found), nil
}

// walkTree lists one level below parent, upserting each folder and descending
// into folders that report children. It returns every folder it saw.
func (s *Service) walkTree(ctx context.Context, sess imap.Session, account *models.Account, parent *models.Folder, pattern string) ([]*models.Folder, error) {
	infos, err := sess.ListFolders("", pattern)
	if err != nil {
		return nil, err
	}

	var found []*models.Folder
	for _, info := range infos {
		folder := &models.Folder{
			AccountID:   account.ID,
			Name:        info.Name,
			Role:        ClassifyFolder(info.Name, info.Attributes),
			HasChildren: info.HasAttr(goimap.HasChildrenAttr),
			NoSelect:    info.HasAttr(goimap.NoSelectAttr) || info.HasAttr(goimap.NoInferiorsAttr),
		}
		if parent != nil {
			folder.ParentID = &parent.ID
		}
		if err := s.store.UpsertFolder(ctx, folder); err != nil {
			return nil, fmt.Errorf("failed to save folder %s: %w", info.Name, err)
		}
		found = append(found, folder)

		if folder.HasChildren {
			delim := info.Delimiter
			if delim == "" {
				delim = defaultDelimiter
			}
			children, err := s.walkTree(ctx, sess, account, folder, info.Name+delim+"%")
			if err != nil {
				return nil, err
			}
			found = append(found, children...)
		}
	}

	return found, nil
}

// dropFolder detaches every copy in the folder, then deletes it.
func (s *Service) dropFolder(ctx context.Context, account *models.Account, folder *models.Folder) error {
	uids, err := s.store.CopyUIDs(ctx, folder.ID)
	if err != nil {
		return fmt.Errorf("failed to list copies in %s: %w", folder.Name, err)
	}
	touched := threading.Touched{}
	if err := s.threads.Tracking(touched).Remove(ctx, folder.ID, uids); err != nil {
		return fmt.Errorf("failed to detach copies in %s: %w", folder.Name, err)
	}
	if err := s.store.DeleteFolder(ctx, folder.ID); err != nil {
		return fmt.Errorf("failed to delete folder %s: %w", folder.Name, err)
	}
	s.cache.InvalidateFolder(account.Username, folder.Name)
	s.invalidate(ctx, account, touched)
	return nil
}
