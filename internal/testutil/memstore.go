package testutil

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/vdavid/wombat/internal/db"
	"github.com/vdavid/wombat/internal/models"
)

// MemStore is an in-memory stand-in for db.Store. Values are copied on the
// way in and out, so callers never share state with the store.
type MemStore struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
	folders  map[string]*models.Folder
	threads  map[string]*models.Thread

	// ThreadSaves counts SaveThread calls.
	ThreadSaves int
}

func NewMemStore() *MemStore {
	return &MemStore{
		accounts: make(map[string]*models.Account),
		folders:  make(map[string]*models.Folder),
		threads:  make(map[string]*models.Thread),
	}
}

// AddAccount stores an account, assigning an id when it has none.
func (s *MemStore) AddAccount(account *models.Account) *models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	a := *account
	s.accounts[a.ID] = &a
	return account
}

func (s *MemStore) GetAccount(_ context.Context, accountID string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, db.ErrAccountNotFound
	}
	out := *a
	return &out, nil
}

func (s *MemStore) ListAccounts(_ context.Context) ([]*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var accounts []*models.Account
	for _, a := range s.accounts {
		out := *a
		accounts = append(accounts, &out)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

func (s *MemStore) SetAccountHealthy(_ context.Context, accountID string, healthy bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return db.ErrAccountNotFound
	}
	a.Healthy = healthy
	return nil
}

func (s *MemStore) GetFolder(_ context.Context, folderID string) (*models.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.folders[folderID]
	if !ok {
		return nil, db.ErrFolderNotFound
	}
	return cloneFolder(f), nil
}

func (s *MemStore) GetFolderByName(_ context.Context, accountID, name string) (*models.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.folders {
		if f.AccountID == accountID && f.Name == name {
			return cloneFolder(f), nil
		}
	}
	return nil, db.ErrFolderNotFound
}

func (s *MemStore) ListFolders(_ context.Context, accountID string) ([]*models.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var folders []*models.Folder
	for _, f := range s.folders {
		if f.AccountID == accountID {
			folders = append(folders, cloneFolder(f))
		}
	}
	sort.Slice(folders, func(i, j int) bool { return folders[i].Name < folders[j].Name })
	return folders, nil
}

func (s *MemStore) ListChildFolders(_ context.Context, accountID string, parentID *string) ([]*models.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var folders []*models.Folder
	for _, f := range s.folders {
		if f.AccountID != accountID {
			continue
		}
		switch {
		case parentID == nil && f.ParentID == nil,
			parentID != nil && f.ParentID != nil && *parentID == *f.ParentID:
			folders = append(folders, cloneFolder(f))
		}
	}
	sort.Slice(folders, func(i, j int) bool { return folders[i].Name < folders[j].Name })
	return folders, nil
}

func (s *MemStore) UpsertFolder(_ context.Context, folder *models.Folder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.folders {
		if f.AccountID == folder.AccountID && f.Name == folder.Name {
			folder.ID = f.ID
			folder.Total = f.Total
			folder.Unread = f.Unread
			s.folders[f.ID] = cloneFolder(folder)
			return nil
		}
	}

	if folder.ID == "" {
		folder.ID = uuid.NewString()
	}
	s.folders[folder.ID] = cloneFolder(folder)
	return nil
}

func (s *MemStore) DeleteFolder(_ context.Context, folderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.folders, folderID)
	for _, f := range s.folders {
		if f.ParentID != nil && *f.ParentID == folderID {
			f.ParentID = nil
		}
	}
	for _, t := range s.threads {
		for _, m := range t.Messages {
			kept := m.Copies[:0]
			for _, c := range m.Copies {
				if c.FolderID != folderID {
					kept = append(kept, c)
				}
			}
			m.Copies = kept
		}
	}
	return nil
}

func (s *MemStore) UpdateFolderCounts(_ context.Context, folderID string, total, unread int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.folders[folderID]
	if !ok {
		return db.ErrFolderNotFound
	}
	f.Total = total
	f.Unread = unread
	return nil
}

func (s *MemStore) CopyUIDs(_ context.Context, folderID string) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var uids []uint32
	for _, t := range s.threads {
		for _, m := range t.Messages {
			for _, c := range m.Copies {
				if c.FolderID == folderID {
					uids = append(uids, c.UID)
				}
			}
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (s *MemStore) GetThread(_ context.Context, threadID string) (*models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return nil, db.ErrThreadNotFound
	}
	return cloneThread(t), nil
}

// SaveThread mirrors db.SaveThread: copies and messages the thread now holds
// are taken away from any other thread.
func (s *MemStore) SaveThread(_ context.Context, thread *models.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ThreadSaves++

	if thread.ID == "" {
		thread.ID = uuid.NewString()
	}
	type key struct {
		folderID string
		uid      uint32
	}
	owned := make(map[key]bool)
	messageIDs := make(map[string]bool)
	for _, m := range thread.Messages {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		m.ThreadID = thread.ID
		messageIDs[m.ID] = true
		for _, c := range m.Copies {
			owned[key{c.FolderID, c.UID}] = true
		}
	}

	for id, other := range s.threads {
		if id == thread.ID {
			continue
		}
		kept := other.Messages[:0]
		for _, m := range other.Messages {
			if messageIDs[m.ID] {
				continue
			}
			copies := m.Copies[:0]
			for _, c := range m.Copies {
				if !owned[key{c.FolderID, c.UID}] {
					copies = append(copies, c)
				}
			}
			m.Copies = copies
			kept = append(kept, m)
		}
		other.Messages = kept
	}

	s.threads[thread.ID] = cloneThread(thread)
	return nil
}

func (s *MemStore) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.threads, threadID)
	return nil
}

func (s *MemStore) ThreadIDsByMessageID(_ context.Context, accountID, messageID string) ([]string, error) {
	return s.matchThreads(accountID, func(m *models.Message) bool { return m.MessageIDHeader == messageID }), nil
}

func (s *MemStore) ThreadIDsByInReplyTo(_ context.Context, accountID, inReplyTo string) ([]string, error) {
	return s.matchThreads(accountID, func(m *models.Message) bool { return m.InReplyTo == inReplyTo }), nil
}

func (s *MemStore) LatestThreadIDBySubject(_ context.Context, accountID, baseSubject string) (string, error) {
	ids := s.matchThreads(accountID, func(m *models.Message) bool { return m.BaseSubject == baseSubject })
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], nil
}

// matchThreads returns ids of the account's threads with a matching message, newest first.
func (s *MemStore) matchThreads(accountID string, match func(*models.Message) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found []*models.Thread
	for _, t := range s.threads {
		if t.AccountID != accountID {
			continue
		}
		for _, m := range t.Messages {
			if match(m) {
				found = append(found, t)
				break
			}
		}
	}
	return newestIDs(found)
}

func (s *MemStore) ThreadIDsForCopies(_ context.Context, folderID string, uids []uint32) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[uint32]bool, len(uids))
	for _, uid := range uids {
		wanted[uid] = true
	}

	var found []*models.Thread
	for _, t := range s.threads {
	messages:
		for _, m := range t.Messages {
			for _, c := range m.Copies {
				if c.FolderID == folderID && wanted[c.UID] {
					found = append(found, t)
					break messages
				}
			}
		}
	}
	return newestIDs(found), nil
}

func (s *MemStore) ThreadsForFolder(_ context.Context, folderID string) ([]*models.Thread, error) {
	return s.threadsTouching([]string{folderID}), nil
}

func (s *MemStore) ThreadsPage(_ context.Context, folderIDs []string, limit, offset int) ([]*models.Thread, error) {
	threads := s.threadsTouching(folderIDs)
	if offset >= len(threads) {
		return nil, nil
	}
	threads = threads[offset:]
	if limit < len(threads) {
		threads = threads[:limit]
	}
	return threads, nil
}

func (s *MemStore) CountThreads(_ context.Context, folderIDs []string) (int, error) {
	return len(s.threadsTouching(folderIDs)), nil
}

// Threads returns every stored thread, newest first.
func (s *MemStore) Threads() []*models.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*models.Thread
	for _, t := range s.threads {
		all = append(all, t)
	}
	ids := newestIDs(all)
	out := make([]*models.Thread, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneThread(s.threads[id]))
	}
	return out
}

func (s *MemStore) threadsTouching(folderIDs []string) []*models.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(folderIDs))
	for _, id := range folderIDs {
		wanted[id] = true
	}

	var found []*models.Thread
	for _, t := range s.threads {
		for _, id := range t.FolderIDs {
			if wanted[id] {
				found = append(found, t)
				break
			}
		}
	}

	ids := newestIDs(found)
	out := make([]*models.Thread, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneThread(s.threads[id]))
	}
	return out
}

func newestIDs(threads []*models.Thread) []string {
	sort.Slice(threads, func(i, j int) bool {
		if !threads[i].Date.Equal(threads[j].Date) {
			return threads[i].Date.After(threads[j].Date)
		}
		return threads[i].ID < threads[j].ID
	})
	ids := make([]string, len(threads))
	for i, t := range threads {
		ids[i] = t.ID
	}
	return ids
}

func cloneFolder(f *models.Folder) *models.Folder {
	out := *f
	if f.ParentID != nil {
		parent := *f.ParentID
		out.ParentID = &parent
	}
	return &out
}

func cloneThread(t *models.Thread) *models.Thread {
	out := *t
	out.FolderIDs = append([]string(nil), t.FolderIDs...)
	out.Messages = make([]*models.Message, 0, len(t.Messages))
	for _, m := range t.Messages {
		mc := *m
		mc.ToAddresses = append([]string(nil), m.ToAddresses...)
		mc.CCAddresses = append([]string(nil), m.CCAddresses...)
		mc.BCCAddresses = append([]string(nil), m.BCCAddresses...)
		mc.Attachments = append([]models.Attachment(nil), m.Attachments...)
		mc.Copies = append([]models.Copy(nil), m.Copies...)
		out.Messages = append(out.Messages, &mc)
	}
	return &out
}
