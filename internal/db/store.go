package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/wombat/internal/models"
)

// Store exposes the package functions as methods so that the sync and
// threading services can be tested against other implementations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store that uses the given database pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateAccount(ctx context.Context, account *models.Account) error {
	return CreateAccount(ctx, s.pool, account)
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	return GetAccount(ctx, s.pool, accountID)
}

func (s *Store) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	return ListAccounts(ctx, s.pool)
}

func (s *Store) SetAccountHealthy(ctx context.Context, accountID string, healthy bool) error {
	return SetAccountHealthy(ctx, s.pool, accountID, healthy)
}

func (s *Store) GetFolder(ctx context.Context, folderID string) (*models.Folder, error) {
	return GetFolder(ctx, s.pool, folderID)
}

func (s *Store) GetFolderByName(ctx context.Context, accountID, name string) (*models.Folder, error) {
	return GetFolderByName(ctx, s.pool, accountID, name)
}

func (s *Store) ListFolders(ctx context.Context, accountID string) ([]*models.Folder, error) {
	return ListFolders(ctx, s.pool, accountID)
}

func (s *Store) ListChildFolders(ctx context.Context, accountID string, parentID *string) ([]*models.Folder, error) {
	return ListChildFolders(ctx, s.pool, accountID, parentID)
}

func (s *Store) UpsertFolder(ctx context.Context, folder *models.Folder) error {
	return UpsertFolder(ctx, s.pool, folder)
}

func (s *Store) DeleteFolder(ctx context.Context, folderID string) error {
	return DeleteFolder(ctx, s.pool, folderID)
}

func (s *Store) UpdateFolderCounts(ctx context.Context, folderID string, total, unread int) error {
	return UpdateFolderCounts(ctx, s.pool, folderID, total, unread)
}

func (s *Store) CopyUIDs(ctx context.Context, folderID string) ([]uint32, error) {
	return CopyUIDs(ctx, s.pool, folderID)
}

func (s *Store) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	return GetThread(ctx, s.pool, threadID)
}

func (s *Store) SaveThread(ctx context.Context, thread *models.Thread) error {
	return SaveThread(ctx, s.pool, thread)
}

func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	return DeleteThread(ctx, s.pool, threadID)
}

func (s *Store) ThreadIDsByMessageID(ctx context.Context, accountID, messageID string) ([]string, error) {
	return ThreadIDsByMessageID(ctx, s.pool, accountID, messageID)
}

func (s *Store) ThreadIDsByInReplyTo(ctx context.Context, accountID, inReplyTo string) ([]string, error) {
	return ThreadIDsByInReplyTo(ctx, s.pool, accountID, inReplyTo)
}

func (s *Store) LatestThreadIDBySubject(ctx context.Context, accountID, baseSubject string) (string, error) {
	return LatestThreadIDBySubject(ctx, s.pool, accountID, baseSubject)
}

func (s *Store) ThreadIDsForCopies(ctx context.Context, folderID string, uids []uint32) ([]string, error) {
	return ThreadIDsForCopies(ctx, s.pool, folderID, uids)
}

func (s *Store) ThreadsForFolder(ctx context.Context, folderID string) ([]*models.Thread, error) {
	return ThreadsForFolder(ctx, s.pool, folderID)
}

func (s *Store) ThreadsPage(ctx context.Context, folderIDs []string, limit, offset int) ([]*models.Thread, error) {
	return ThreadsPage(ctx, s.pool, folderIDs, limit, offset)
}

func (s *Store) CountThreads(ctx context.Context, folderIDs []string) (int, error) {
	return CountThreads(ctx, s.pool, folderIDs)
}
