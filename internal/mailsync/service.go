// Package mailsync keeps the local mailbox cache in step with the remote IMAP
// server and applies user mutations remotely before resyncing.
package mailsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/vdavid/wombat/internal/cache"
	"github.com/vdavid/wombat/internal/imap"
	"github.com/vdavid/wombat/internal/logging"
	"github.com/vdavid/wombat/internal/models"
	"github.com/vdavid/wombat/internal/threading"
)

// ErrAccountUnhealthy means the account failed its last credentials check.
// Sync operations treat it as "skipped", not as a failure.
var ErrAccountUnhealthy = errors.New("account is unhealthy")

// ErrMessageNotFound is returned when no local message has the requested copy.
var ErrMessageNotFound = errors.New("message not found")

// Store is the local persistence the service works against.
type Store interface {
	threading.Store

	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]*models.Account, error)
	SetAccountHealthy(ctx context.Context, accountID string, healthy bool) error

	GetFolder(ctx context.Context, folderID string) (*models.Folder, error)
	GetFolderByName(ctx context.Context, accountID, name string) (*models.Folder, error)
	ListFolders(ctx context.Context, accountID string) ([]*models.Folder, error)
	// ListChildFolders returns top-level folders when parentID is nil.
	ListChildFolders(ctx context.Context, accountID string, parentID *string) ([]*models.Folder, error)
	// UpsertFolder inserts or updates by (account, name) and fills in the id.
	UpsertFolder(ctx context.Context, folder *models.Folder) error
	DeleteFolder(ctx context.Context, folderID string) error
	UpdateFolderCounts(ctx context.Context, folderID string, total, unread int) error
	CopyUIDs(ctx context.Context, folderID string) ([]uint32, error)

	ThreadsPage(ctx context.Context, folderIDs []string, limit, offset int) ([]*models.Thread, error)
	CountThreads(ctx context.Context, folderIDs []string) (int, error)
}

// Connector opens sessions to an account's server. imap.Gateway implements it.
type Connector interface {
	Connect(ctx context.Context, account *models.Account) (imap.Session, error)
	Probe(ctx context.Context, account *models.Account) error
}

type Options struct {
	// PageSize is the number of threads per page. Defaults to 50.
	PageSize int
}

// Service orchestrates tree sync, message diff sync, mutations and views.
// Calls for one account must not run concurrently.
type Service struct {
	store    Store
	remote   Connector
	threads  *threading.Engine
	cache    *cache.Cache
	pageSize int
	log      zerolog.Logger
}

// NewService wires the service. The cache may be nil.
func NewService(store Store, remote Connector, c *cache.Cache, log zerolog.Logger, opts Options) *Service {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	return &Service{
		store:    store,
		remote:   remote,
		threads:  threading.New(store, log),
		cache:    c,
		pageSize: opts.PageSize,
		log:      log.With().Str("component", "mailsync").Logger(),
	}
}

// CheckCredentials logs in once and persists whether it worked.
func (s *Service) CheckCredentials(ctx context.Context, accountID string) (bool, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return false, fmt.Errorf("failed to get account: %w", err)
	}

	log := s.accountLog(account)
	healthy := true
	if err := s.remote.Probe(ctx, account); err != nil {
		healthy = false
		log.Warn().Err(err).Msg("credentials check failed")
	}

	if healthy != account.Healthy {
		if err := s.store.SetAccountHealthy(ctx, account.ID, healthy); err != nil {
			return healthy, fmt.Errorf("failed to save account health: %w", err)
		}
		log.Info().Bool("healthy", healthy).Msg("account health changed")
	}

	return healthy, nil
}

// CheckMail syncs the folder tree and then every selectable folder of the
// account over a single session. A failing folder is logged and skipped; the
// joined folder errors are returned at the end.
func (s *Service) CheckMail(ctx context.Context, accountID string) error {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to get account: %w", err)
	}

	sess, release, err := s.open(ctx, account, nil)
	if err != nil {
		return err
	}
	defer release()

	if _, err := s.SyncTree(ctx, accountID, TreeOptions{Session: sess}); err != nil {
		return err
	}

	folders, err := s.store.ListFolders(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to list folders: %w", err)
	}

	var errs []error
	for _, folder := range folders {
		if !folder.Selectable() {
			continue
		}
		if err := s.SyncMessages(ctx, folder.ID, sess); err != nil {
			log := s.accountLog(account)
			log.Error().Err(err).Str("folder", folder.Name).Msg("folder sync failed")
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// open returns sess when the caller owns one, or connects a new session that
// the returned release func logs out.
func (s *Service) open(ctx context.Context, account *models.Account, sess imap.Session) (imap.Session, func(), error) {
	if sess != nil {
		return sess, func() {}, nil
	}
	if !account.Healthy {
		return nil, nil, ErrAccountUnhealthy
	}

	sess, err := s.remote.Connect(ctx, account)
	if errors.Is(err, imap.ErrUnhealthy) {
		return nil, nil, ErrAccountUnhealthy
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", account.Address(), err)
	}

	release := func() {
		if err := sess.Logout(); err != nil {
			log := s.accountLog(account)
			log.Warn().Err(err).Msg("logout failed")
		}
	}
	return sess, release, nil
}

// invalidate drops the cached pages of every touched folder. Folders that no
// longer exist were invalidated by name when they were dropped.
func (s *Service) invalidate(ctx context.Context, account *models.Account, touched threading.Touched) {
	if s.cache == nil {
		return
	}
	for _, id := range touched.IDs() {
		folder, err := s.store.GetFolder(ctx, id)
		if err != nil {
			continue
		}
		s.cache.InvalidateFolder(account.Username, folder.Name)
	}
}

func (s *Service) accountLog(account *models.Account) zerolog.Logger {
	return s.log.With().
		Str("account", account.ID).
		Str("username", logging.MaskEmail(account.Username)).
		Logger()
}

// logProtocolError logs err with its command and folder when it came from the server.
func logProtocolError(log zerolog.Logger, err error, msg string) {
	event := log.Error().Err(err)
	var perr *imap.ProtocolError
	if errors.As(err, &perr) {
		event = event.Str("command", perr.Command).Str("folder", perr.Folder)
	}
	event.Msg(msg)
}
