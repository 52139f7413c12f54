package mailsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/vdavid/wombat/internal/cache"
	"github.com/vdavid/wombat/internal/models"
)

// Page is one page of a thread list, newest thread first.
type Page struct {
	Threads  []*models.Thread `json:"threads"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
	Total    int              `json:"total"`
}

// Directory lists the threads touching a folder. Pages start at 1.
func (s *Service) Directory(ctx context.Context, folderID string, page int) (*Page, error) {
	folder, err := s.store.GetFolder(ctx, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	account, err := s.store.GetAccount(ctx, folder.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	page = max(page, 1)
	key := s.cache.ListKey(account.Username, folder.Name, page)
	return cache.GetOrLoad(s.cache, account.Username, folder.Name, key, func() (*Page, error) {
		return s.page(ctx, []string{folder.ID}, page)
	})
}

// UnifiedInbox lists the threads of every inbox of the given accounts.
func (s *Service) UnifiedInbox(ctx context.Context, accountIDs []string, page int) (*Page, error) {
	var inboxes []string
	for _, id := range accountIDs {
		folders, err := s.store.ListFolders(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to list folders of account %s: %w", id, err)
		}
		for _, f := range folders {
			if f.Role == models.RoleInbox {
				inboxes = append(inboxes, f.ID)
			}
		}
	}

	page = max(page, 1)
	if len(inboxes) == 0 {
		return &Page{Page: page, PageSize: s.pageSize}, nil
	}
	return s.page(ctx, inboxes, page)
}

func (s *Service) page(ctx context.Context, folderIDs []string, page int) (*Page, error) {
	threads, err := s.store.ThreadsPage(ctx, folderIDs, s.pageSize, (page-1)*s.pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	total, err := s.store.CountThreads(ctx, folderIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to count threads: %w", err)
	}
	return &Page{Threads: threads, Page: page, PageSize: s.pageSize, Total: total}, nil
}

// OpenThread returns a thread with every body downloaded and marks it read
// when it was unread. Remote failures are logged; the local thread is still
// returned.
func (s *Service) OpenThread(ctx context.Context, threadID string) (*models.Thread, error) {
	thread, err := s.FetchMissing(ctx, threadID)
	if err != nil {
		if !errors.Is(err, ErrAccountUnhealthy) {
			s.log.Warn().Err(err).Str("thread", threadID).Msg("could not fetch missing bodies")
		}
		if thread, err = s.store.GetThread(ctx, threadID); err != nil {
			return nil, fmt.Errorf("failed to get thread: %w", err)
		}
	}

	if thread.IsRead() {
		return thread, nil
	}

	if err := s.MarkRead(ctx, threadID); err != nil {
		if !errors.Is(err, ErrAccountUnhealthy) {
			s.log.Warn().Err(err).Str("thread", threadID).Msg("could not mark thread read")
		}
		return thread, nil
	}

	refreshed, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload thread: %w", err)
	}
	return refreshed, nil
}

// MessageByUID returns the message holding the copy at (folder, uid), with
// its body fetched when the account is reachable.
func (s *Service) MessageByUID(ctx context.Context, folderID string, uid uint32) (*models.Message, error) {
	folder, err := s.store.GetFolder(ctx, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	account, err := s.store.GetAccount(ctx, folder.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	key := s.cache.MessageKey(account.Username, folder.Name, uid)
	return cache.GetOrLoad(s.cache, account.Username, folder.Name, key, func() (*models.Message, error) {
		ids, err := s.store.ThreadIDsForCopies(ctx, folderID, []uint32{uid})
		if err != nil {
			return nil, fmt.Errorf("failed to find thread: %w", err)
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("%w: folder %s uid %d", ErrMessageNotFound, folder.Name, uid)
		}

		thread, err := s.FetchMissing(ctx, ids[0])
		if err != nil {
			if !errors.Is(err, ErrAccountUnhealthy) {
				s.log.Warn().Err(err).Str("folder", folder.Name).Uint32("uid", uid).Msg("could not fetch message body")
			}
			if thread, err = s.store.GetThread(ctx, ids[0]); err != nil {
				return nil, fmt.Errorf("failed to get thread: %w", err)
			}
		}

		for _, m := range thread.Messages {
			if m.HasCopy(folderID, uid) {
				return m, nil
			}
		}
		return nil, fmt.Errorf("%w: folder %s uid %d", ErrMessageNotFound, folder.Name, uid)
	})
}

// FolderNode is a folder with its subfolders.
type FolderNode struct {
	*models.Folder
	Children []*FolderNode `json:"children,omitempty"`
}

// FolderTree returns the account's folders as a tree, each level sorted by name.
func (s *Service) FolderTree(ctx context.Context, accountID string) ([]*FolderNode, error) {
	return s.folderLevel(ctx, accountID, nil)
}

func (s *Service) folderLevel(ctx context.Context, accountID string, parentID *string) ([]*FolderNode, error) {
	folders, err := s.store.ListChildFolders(ctx, accountID, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	nodes := make([]*FolderNode, 0, len(folders))
	for _, f := range folders {
		node := &FolderNode{Folder: f}
		if f.HasChildren {
			if node.Children, err = s.folderLevel(ctx, accountID, &f.ID); err != nil {
				return nil, err
			}
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}
