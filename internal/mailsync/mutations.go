package mailsync

import (
	"context"
	"errors"
	"fmt"
	"sort"

	goimap "github.com/emersion/go-imap"
	"github.com/vdavid/wombat/internal/db"
	"github.com/vdavid/wombat/internal/imap"
	"github.com/vdavid/wombat/internal/models"
	"github.com/vdavid/wombat/internal/threading"
)

// folderPlan is the remote work for one folder of a mutation.
type folderPlan struct {
	folder *models.Folder
	// flag are the copies whose \Seen flag changes.
	flag []uint32
	// move are copied to the destination before deletion.
	move []uint32
	// remove are flagged \Deleted and expunged.
	remove []uint32
}

// MarkRead sets \Seen on every copy of the thread, then resyncs the folders.
func (s *Service) MarkRead(ctx context.Context, threadID string) error {
	return s.setSeen(ctx, threadID, true)
}

// MarkUnread clears \Seen on every copy of the thread, then resyncs the folders.
func (s *Service) MarkUnread(ctx context.Context, threadID string) error {
	return s.setSeen(ctx, threadID, false)
}

func (s *Service) setSeen(ctx context.Context, threadID string, seen bool) error {
	thread, account, err := s.loadThread(ctx, threadID)
	if err != nil {
		return err
	}

	plans, err := s.planByFolder(ctx, thread, func(m *models.Message, p map[string]*folderPlan) {
		for _, c := range m.Copies {
			p[c.FolderID].flag = append(p[c.FolderID].flag, c.UID)
		}
	})
	if err != nil {
		return err
	}

	sess, release, err := s.open(ctx, account, nil)
	if err != nil {
		return err
	}
	defer release()

	var touched []*models.Folder
	var firstErr error
	for _, p := range plans {
		touched = append(touched, p.folder)
		err := withFolder(sess, p.folder.Name, false, func() error {
			if seen {
				return sess.SetFlag(p.flag, goimap.SeenFlag)
			}
			return sess.ClearFlag(p.flag, goimap.SeenFlag)
		})
		if err != nil {
			firstErr = err
			break
		}
	}

	return s.finishMutation(ctx, account, sess, touched, firstErr)
}

// MoveTo moves every message of the thread to the named folder. The
// authoritative copy of each message is copied there; extra copies are
// deleted unless their folder keeps them, like Sent or Drafts.
func (s *Service) MoveTo(ctx context.Context, threadID, destName string) error {
	thread, account, err := s.loadThread(ctx, threadID)
	if err != nil {
		return err
	}

	dest, err := s.store.GetFolderByName(ctx, account.ID, destName)
	if err != nil {
		return fmt.Errorf("failed to get destination folder %s: %w", destName, err)
	}

	plans, err := s.planByFolder(ctx, thread, func(m *models.Message, p map[string]*folderPlan) {
		moved := -1
		if !hasCopyIn(m, dest.ID) {
			moved = authoritativeCopy(m, p)
		}
		for i, c := range m.Copies {
			if c.FolderID == dest.ID {
				continue
			}
			plan := p[c.FolderID]
			switch {
			case i == moved:
				plan.move = append(plan.move, c.UID)
				plan.remove = append(plan.remove, c.UID)
			case !plan.folder.Role.KeepsExtraCopies():
				plan.remove = append(plan.remove, c.UID)
			}
		}
	})
	if err != nil {
		return err
	}

	return s.applyPlans(ctx, account, plans, dest)
}

// MoveToTrash moves the thread to the account's Trash folder, or deletes it
// for good when there is no Trash or the thread is already there.
func (s *Service) MoveToTrash(ctx context.Context, threadID string) error {
	thread, account, err := s.loadThread(ctx, threadID)
	if err != nil {
		return err
	}

	folders, err := s.store.ListFolders(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("failed to list folders: %w", err)
	}
	var trash *models.Folder
	for _, f := range folders {
		if f.Role == models.RoleTrash && f.Selectable() {
			trash = f
			break
		}
	}

	if trash == nil || onlyIn(thread, trash.ID) {
		return s.DeleteFromIMAP(ctx, threadID)
	}
	return s.MoveTo(ctx, threadID, trash.Name)
}

// DeleteFromIMAP flags every copy of the thread \Deleted and expunges it.
func (s *Service) DeleteFromIMAP(ctx context.Context, threadID string) error {
	thread, account, err := s.loadThread(ctx, threadID)
	if err != nil {
		return err
	}

	plans, err := s.planByFolder(ctx, thread, func(m *models.Message, p map[string]*folderPlan) {
		for _, c := range m.Copies {
			p[c.FolderID].remove = append(p[c.FolderID].remove, c.UID)
		}
	})
	if err != nil {
		return err
	}

	return s.applyPlans(ctx, account, plans, nil)
}

// applyPlans copies, deletes and expunges folder by folder, stopping at the
// first failure. The destination is resynced before the sources so that moved
// copies find their message before the old copies disappear.
func (s *Service) applyPlans(ctx context.Context, account *models.Account, plans []*folderPlan, dest *models.Folder) error {
	sess, release, err := s.open(ctx, account, nil)
	if err != nil {
		return err
	}
	defer release()

	var touched []*models.Folder
	var firstErr error
	for _, p := range plans {
		if len(p.remove) == 0 {
			continue
		}
		touched = append(touched, p.folder)
		err := withFolder(sess, p.folder.Name, false, func() error {
			if len(p.move) > 0 {
				if err := sess.Copy(p.move, dest.Name); err != nil {
					return err
				}
			}
			if err := sess.SetFlag(p.remove, goimap.DeletedFlag); err != nil {
				return err
			}
			return sess.Expunge()
		})
		if err != nil {
			firstErr = err
			break
		}
	}

	if dest != nil && len(touched) > 0 {
		touched = append([]*models.Folder{dest}, touched...)
	}
	return s.finishMutation(ctx, account, sess, touched, firstErr)
}

// finishMutation resyncs every touched folder and returns the mutation error,
// or the first resync error when the mutation itself succeeded.
func (s *Service) finishMutation(ctx context.Context, account *models.Account, sess imap.Session, touched []*models.Folder, mutationErr error) error {
	log := s.accountLog(account)
	if mutationErr != nil {
		logProtocolError(log, mutationErr, "mutation failed")
	}

	firstErr := mutationErr
	for _, f := range touched {
		if err := s.SyncMessages(ctx, f.ID, sess); err != nil {
			log.Warn().Err(err).Str("folder", f.Name).Msg("resync after mutation failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// FetchMissing downloads the body of every message in the thread that has
// none yet and saves the thread once.
func (s *Service) FetchMissing(ctx context.Context, threadID string) (*models.Thread, error) {
	thread, account, err := s.loadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}

	missing := threading.FindMissing(thread)
	if len(missing) == 0 {
		return thread, nil
	}

	sess, release, err := s.open(ctx, account, nil)
	if err != nil {
		return nil, err
	}
	defer release()

	log := s.accountLog(account)

	folderIDs := make([]string, 0, len(missing))
	for id := range missing {
		folderIDs = append(folderIDs, id)
	}
	sort.Strings(folderIDs)

	for _, folderID := range folderIDs {
		folder, err := s.store.GetFolder(ctx, folderID)
		if err != nil {
			return nil, fmt.Errorf("failed to get folder: %w", err)
		}
		err = withFolder(sess, folder.Name, true, func() error {
			for _, uid := range missing[folderID] {
				raw, err := sess.FetchBody(uid)
				if errors.Is(err, imap.ErrMessageNotFound) {
					log.Warn().Str("folder", folder.Name).Uint32("uid", uid).Msg("message vanished before its body was fetched")
					continue
				}
				if err != nil {
					return err
				}
				if err := threading.ApplyBody(thread, folderID, uid, raw.Body, raw.Seen); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			logProtocolError(log, err, "fetching bodies failed")
			return nil, err
		}
	}

	if err := s.store.SaveThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("failed to save thread: %w", err)
	}
	for _, folderID := range thread.FolderIDs {
		if folder, err := s.store.GetFolder(ctx, folderID); err == nil {
			s.cache.InvalidateFolder(account.Username, folder.Name)
		}
	}

	return thread, nil
}

func (s *Service) loadThread(ctx context.Context, threadID string) (*models.Thread, *models.Account, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get thread: %w", err)
	}
	account, err := s.store.GetAccount(ctx, thread.AccountID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get account: %w", err)
	}
	return thread, account, nil
}

// planByFolder builds one plan per folder holding a copy of the thread, in
// thread folder order. visit fills the plans message by message.
func (s *Service) planByFolder(ctx context.Context, thread *models.Thread, visit func(*models.Message, map[string]*folderPlan)) ([]*folderPlan, error) {
	byID := make(map[string]*folderPlan)
	var plans []*folderPlan
	for _, c := range thread.Copies() {
		if _, ok := byID[c.FolderID]; ok {
			continue
		}
		folder, err := s.store.GetFolder(ctx, c.FolderID)
		if errors.Is(err, db.ErrFolderNotFound) {
			return nil, fmt.Errorf("thread %s references unknown folder %s: %w", thread.ID, c.FolderID, err)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get folder: %w", err)
		}
		plan := &folderPlan{folder: folder}
		byID[c.FolderID] = plan
		plans = append(plans, plan)
	}

	for _, m := range thread.Messages {
		visit(m, byID)
	}
	return plans, nil
}

// authoritativeCopy picks the copy to move: the first one in a folder that
// does not keep extra copies, or the first copy when every folder does.
func authoritativeCopy(m *models.Message, plans map[string]*folderPlan) int {
	for i, c := range m.Copies {
		if !plans[c.FolderID].folder.Role.KeepsExtraCopies() {
			return i
		}
	}
	return 0
}

func hasCopyIn(m *models.Message, folderID string) bool {
	for _, c := range m.Copies {
		if c.FolderID == folderID {
			return true
		}
	}
	return false
}

func onlyIn(thread *models.Thread, folderID string) bool {
	copies := thread.Copies()
	for _, c := range copies {
		if c.FolderID != folderID {
			return false
		}
	}
	return len(copies) > 0
}

// withFolder selects name, runs fn and closes the folder again, even when fn fails.
func withFolder(sess imap.Session, name string, readOnly bool, fn func() error) (err error) {
	if _, err := sess.SelectFolder(name, readOnly); err != nil {
		return err
	}
	defer func() {
		if cerr := sess.CloseFolder(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn()
}
