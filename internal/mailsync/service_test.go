package mailsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/wombat/internal/cache"
	"github.com/vdavid/wombat/internal/imap"
	"github.com/vdavid/wombat/internal/models"
	"github.com/vdavid/wombat/internal/testutil"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store   *testutil.MemStore
	remote  *testutil.FakeRemote
	cache   *cache.Cache
	svc     *Service
	account *models.Account
}

func newFixture(t *testing.T, folders ...string) *fixture {
	t.Helper()

	store := testutil.NewMemStore()
	remote := testutil.NewFakeRemote()
	for _, name := range folders {
		remote.AddFolder(name)
	}
	c := cache.New(100, time.Minute, "test")
	account := store.AddAccount(&models.Account{
		Username: "me@example.com",
		Password: "secret",
		Host:     "imap.example.com",
		Healthy:  true,
	})

	return &fixture{
		store:   store,
		remote:  remote,
		cache:   c,
		svc:     NewService(store, remote, c, zerolog.Nop(), Options{PageSize: 50}),
		account: account,
	}
}

func (f *fixture) syncTree(t *testing.T) {
	t.Helper()
	_, err := f.svc.SyncTree(context.Background(), f.account.ID, TreeOptions{SkipCounts: true})
	require.NoError(t, err)
}

func (f *fixture) folder(t *testing.T, name string) *models.Folder {
	t.Helper()
	folder, err := f.store.GetFolderByName(context.Background(), f.account.ID, name)
	require.NoError(t, err)
	return folder
}

func (f *fixture) sync(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, f.svc.SyncMessages(context.Background(), f.folder(t, name).ID, nil))
}

// onlyThread returns the single stored thread.
func (f *fixture) onlyThread(t *testing.T) *models.Thread {
	t.Helper()
	threads := f.store.Threads()
	require.Len(t, threads, 1)
	return threads[0]
}

// padUIDs burns UIDs so that the next message added to folder gets next.
func (f *fixture) padUIDs(folder string, next uint32) {
	for {
		uid := f.remote.Add(folder, testutil.Envelope("", "", "filler", "x@example.com", base))
		f.remote.Expunge(folder, uid)
		if uid+1 >= next {
			return
		}
	}
}

// assertNoDoubleCount checks that every (folder, uid) appears in at most one thread.
func assertNoDoubleCount(t *testing.T, store *testutil.MemStore) {
	t.Helper()
	type key struct {
		folder string
		uid    uint32
	}
	seen := make(map[key]string)
	for _, thread := range store.Threads() {
		for _, c := range thread.Copies() {
			k := key{c.FolderID, c.UID}
			if owner, ok := seen[k]; ok {
				t.Errorf("copy %s/%d is in threads %s and %s", c.FolderID, c.UID, owner, thread.ID)
			}
			seen[k] = thread.ID
		}
	}
}

func TestCheckCredentials(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "INBOX")
	f.syncTree(t)

	f.remote.AuthFails = true
	healthy, err := f.svc.CheckCredentials(ctx, f.account.ID)
	require.NoError(t, err)
	assert.False(t, healthy)

	account, err := f.store.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	assert.False(t, account.Healthy)

	t.Run("sync is skipped for unhealthy accounts", func(t *testing.T) {
		opened := f.remote.Opened
		err := f.svc.SyncMessages(ctx, f.folder(t, "INBOX").ID, nil)
		assert.ErrorIs(t, err, ErrAccountUnhealthy)
		_, err = f.svc.SyncTree(ctx, f.account.ID, TreeOptions{})
		assert.ErrorIs(t, err, ErrAccountUnhealthy)
		assert.Equal(t, opened, f.remote.Opened)
	})

	t.Run("recovers once login works again", func(t *testing.T) {
		f.remote.AuthFails = false
		healthy, err := f.svc.CheckCredentials(ctx, f.account.ID)
		require.NoError(t, err)
		assert.True(t, healthy)

		account, err := f.store.GetAccount(ctx, f.account.ID)
		require.NoError(t, err)
		assert.True(t, account.Healthy)
		assert.Equal(t, f.remote.Opened, f.remote.LoggedOut, "probe sessions are logged out")
	})
}

func TestCheckMail(t *testing.T) {
	ctx := context.Background()

	t.Run("syncs every selectable folder over one session", func(t *testing.T) {
		f := newFixture(t, "INBOX", "Sent")
		f.remote.AddFolder("Archive", `\Noselect`)
		f.remote.Add("INBOX", testutil.Envelope("<a@x>", "", "Hello", "bob@example.com", base))
		f.remote.Add("Sent", testutil.Envelope("<b@x>", "<a@x>", "Re: Hello", "me@example.com", base.Add(time.Hour)))

		require.NoError(t, f.svc.CheckMail(ctx, f.account.ID))

		assert.Equal(t, 1, f.remote.Opened)
		assert.Equal(t, 1, f.remote.LoggedOut)
		assert.Zero(t, f.remote.CallCount("SELECT Archive"))

		thread := f.onlyThread(t)
		assert.Len(t, thread.Messages, 2)
		assert.ElementsMatch(t, []string{f.folder(t, "INBOX").ID, f.folder(t, "Sent").ID}, thread.FolderIDs)
	})

	t.Run("failing folder does not stop the others", func(t *testing.T) {
		f := newFixture(t, "Archive", "INBOX", "Sent")
		f.remote.Add("INBOX", testutil.Envelope("<a@x>", "", "Hello", "bob@example.com", base))
		f.remote.Add("Sent", testutil.Envelope("<b@x>", "", "Other", "me@example.com", base))
		boom := errors.New("mailbox locked")
		f.remote.Fail("SELECT Archive", boom)

		err := f.svc.CheckMail(ctx, f.account.ID)
		require.ErrorIs(t, err, boom)

		assert.Len(t, f.store.Threads(), 2)
		assert.Equal(t, 1, f.remote.LoggedOut)
	})

	t.Run("failed close does not block the next folder", func(t *testing.T) {
		f := newFixture(t, "Archive", "INBOX", "Sent")
		f.remote.Add("INBOX", testutil.Envelope("<a@x>", "", "Hello", "bob@example.com", base))
		f.remote.Add("Sent", testutil.Envelope("<b@x>", "", "Other", "me@example.com", base))
		boom := errors.New("connection reset")
		f.remote.Fail("CLOSE Archive", boom)

		err := f.svc.CheckMail(ctx, f.account.ID)
		require.ErrorIs(t, err, boom)

		assert.Equal(t, 1, f.remote.CallCount("SELECT INBOX"))
		assert.Len(t, f.store.Threads(), 2)
	})

	t.Run("unhealthy account is skipped", func(t *testing.T) {
		f := newFixture(t, "INBOX")
		require.NoError(t, f.store.SetAccountHealthy(ctx, f.account.ID, false))

		err := f.svc.CheckMail(ctx, f.account.ID)
		assert.ErrorIs(t, err, ErrAccountUnhealthy)
		assert.Zero(t, f.remote.Opened)
	})
}

type mockConnector struct {
	mock.Mock
}

func (m *mockConnector) Connect(ctx context.Context, account *models.Account) (imap.Session, error) {
	args := m.Called(ctx, account)
	sess, _ := args.Get(0).(imap.Session)
	return sess, args.Error(1)
}

func (m *mockConnector) Probe(ctx context.Context, account *models.Account) error {
	return m.Called(ctx, account).Error(0)
}

func TestConnectorFailures(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*testutil.MemStore, *mockConnector, *Service, *models.Folder, *models.Account) {
		store := testutil.NewMemStore()
		account := store.AddAccount(&models.Account{Username: "me@example.com", Host: "imap.example.com", Healthy: true})
		folder := &models.Folder{AccountID: account.ID, Name: "INBOX", Role: models.RoleInbox}
		require.NoError(t, store.UpsertFolder(ctx, folder))
		connector := &mockConnector{}
		return store, connector, NewService(store, connector, nil, zerolog.Nop(), Options{}), folder, account
	}

	t.Run("unreachable server", func(t *testing.T) {
		_, connector, svc, folder, _ := setup(t)
		connector.On("Connect", mock.Anything, mock.Anything).Return(nil, imap.ErrUnreachable)

		err := svc.SyncMessages(ctx, folder.ID, nil)
		assert.ErrorIs(t, err, imap.ErrUnreachable)
		connector.AssertExpectations(t)
	})

	t.Run("gateway reports unhealthy", func(t *testing.T) {
		_, connector, svc, folder, _ := setup(t)
		connector.On("Connect", mock.Anything, mock.Anything).Return(nil, imap.ErrUnhealthy)

		err := svc.SyncMessages(ctx, folder.ID, nil)
		assert.ErrorIs(t, err, ErrAccountUnhealthy)
	})

	t.Run("rejected credentials are persisted", func(t *testing.T) {
		store, connector, svc, _, account := setup(t)
		connector.On("Probe", mock.Anything, mock.MatchedBy(func(a *models.Account) bool {
			return a.ID == account.ID
		})).Return(imap.ErrAuthFailed).Once()

		healthy, err := svc.CheckCredentials(ctx, account.ID)
		require.NoError(t, err)
		assert.False(t, healthy)

		stored, err := store.GetAccount(ctx, account.ID)
		require.NoError(t, err)
		assert.False(t, stored.Healthy)
		connector.AssertExpectations(t)
	})
}
