package mailsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/wombat/internal/imap"
	"github.com/vdavid/wombat/internal/models"
	"github.com/vdavid/wombat/internal/testutil"
)

func TestSyncMessagesCreatesSingletonThreads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "INBOX")
	f.syncTree(t)
	for i, subject := range []string{"First", "Second", "Third"} {
		f.remote.Add("INBOX", testutil.Envelope("", "", subject, "bob@example.com", base.Add(time.Duration(i)*time.Hour)))
	}

	f.sync(t, "INBOX")

	assert.Len(t, f.store.Threads(), 3)

	page, err := f.svc.Directory(ctx, f.folder(t, "INBOX").ID, 1)
	require.NoError(t, err)
	require.Len(t, page.Threads, 3)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, "Third", page.Threads[0].Subject())
	assert.Equal(t, "Second", page.Threads[1].Subject())
	assert.Equal(t, "First", page.Threads[2].Subject())
}

func TestSyncMessagesThreadsLaterReply(t *testing.T) {
	f := newFixture(t, "INBOX")
	f.syncTree(t)

	f.remote.Add("INBOX", testutil.Envelope("<a@x>", "", "Plans", "bob@example.com", base))
	f.sync(t, "INBOX")
	first := f.onlyThread(t)

	f.remote.Add("INBOX", testutil.Envelope("<b@x>", "<a@x>", "Re: Plans", "carol@example.com", base.Add(time.Hour)))
	f.sync(t, "INBOX")

	thread := f.onlyThread(t)
	assert.Equal(t, first.ID, thread.ID)
	require.Len(t, thread.Messages, 2)
	assert.Equal(t, "<a@x>", thread.Messages[0].MessageIDHeader)
	assert.Equal(t, "<b@x>", thread.Messages[1].MessageIDHeader)
	assert.Equal(t, []string{f.folder(t, "INBOX").ID}, thread.FolderIDs)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, thread.Senders())
}

func TestSyncMessagesCollapsesDuplicateCopies(t *testing.T) {
	f := newFixture(t, "INBOX", "Sent")
	f.syncTree(t)

	env := testutil.Envelope("", "", "Quarterly report", "me@example.com", base)
	f.padUIDs("INBOX", 10)
	f.padUIDs("Sent", 5)
	require.Equal(t, uint32(10), f.remote.Add("INBOX", env))
	require.Equal(t, uint32(5), f.remote.Add("Sent", env))

	f.sync(t, "INBOX")
	f.sync(t, "Sent")

	thread := f.onlyThread(t)
	require.Len(t, thread.Messages, 1)
	assert.Equal(t, []models.Copy{
		{FolderID: f.folder(t, "INBOX").ID, UID: 10},
		{FolderID: f.folder(t, "Sent").ID, UID: 5},
	}, thread.Messages[0].Copies)
	assertNoDoubleCount(t, f.store)
}

func TestSyncMessagesMatchesRemote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "INBOX")
	f.syncTree(t)
	inbox := f.folder(t, "INBOX").ID

	for i := 0; i < 4; i++ {
		f.remote.Add("INBOX", testutil.Envelope("", "", "Note", "bob@example.com", base.Add(time.Duration(i)*time.Minute)))
	}
	f.sync(t, "INBOX")

	local, err := f.store.CopyUIDs(ctx, inbox)
	require.NoError(t, err)
	assert.Equal(t, f.remote.UIDs("INBOX"), local)

	f.remote.Expunge("INBOX", 2)
	f.remote.Expunge("INBOX", 4)
	f.remote.Add("INBOX", testutil.Envelope("<n@x>", "", "New", "dan@example.com", base.Add(time.Hour)))
	f.sync(t, "INBOX")

	local, err = f.store.CopyUIDs(ctx, inbox)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 3, 5}, local)
	assert.Equal(t, f.remote.UIDs("INBOX"), local)
	assertNoDoubleCount(t, f.store)

	folder := f.folder(t, "INBOX")
	assert.Equal(t, 3, folder.Total)
	assert.Equal(t, 3, folder.Unread)
}

func TestSyncMessagesIsIdempotent(t *testing.T) {
	f := newFixture(t, "INBOX")
	f.syncTree(t)
	f.remote.Add("INBOX", testutil.Envelope("<a@x>", "", "Hello", "bob@example.com", base))
	uid := f.remote.Add("INBOX", testutil.Envelope("<b@x>", "<a@x>", "Re: Hello", "me@example.com", base.Add(time.Hour)))
	f.remote.SetSeen("INBOX", uid, true)

	f.sync(t, "INBOX")
	saves := f.store.ThreadSaves
	fetches := f.remote.CallCount("FETCH")

	f.sync(t, "INBOX")

	assert.Equal(t, saves, f.store.ThreadSaves, "no thread writes on an unchanged resync")
	assert.Equal(t, fetches, f.remote.CallCount("FETCH"), "nothing new to fetch")
}

func TestSyncMessagesReadState(t *testing.T) {
	f := newFixture(t, "INBOX", "Sent")
	f.syncTree(t)
	inboxUID := f.remote.Add("INBOX", testutil.Envelope("<a@x>", "", "Hello", "bob@example.com", base))
	sentUID := f.remote.Add("Sent", testutil.Envelope("<b@x>", "<a@x>", "Re: Hello", "me@example.com", base.Add(time.Hour)))
	f.remote.SetSeen("Sent", sentUID, true)

	f.sync(t, "INBOX")
	f.sync(t, "Sent")
	assert.False(t, f.onlyThread(t).IsRead())

	f.remote.SetSeen("INBOX", inboxUID, true)
	f.sync(t, "INBOX")
	assert.True(t, f.onlyThread(t).IsRead())

	f.remote.SetSeen("Sent", sentUID, false)
	f.sync(t, "Sent")
	assert.False(t, f.onlyThread(t).IsRead(), "one unread copy makes the thread unread")
}

func TestSyncMessagesFailureLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "INBOX")
	f.syncTree(t)
	f.remote.Add("INBOX", testutil.Envelope("<a@x>", "", "Hello", "bob@example.com", base))
	boom := errors.New("connection reset")
	f.remote.Fail("FETCH", boom)

	err := f.svc.SyncMessages(ctx, f.folder(t, "INBOX").ID, nil)

	var perr *imap.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "FETCH", perr.Command)
	assert.Equal(t, "INBOX", perr.Folder)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, f.store.Threads())
	assert.Equal(t, 1, f.remote.CallCount("CLOSE INBOX"), "folder is closed after a failure")
	assert.Equal(t, f.remote.Opened, f.remote.LoggedOut)

	f.remote.Fail("FETCH", nil)
	f.sync(t, "INBOX")
	assert.Len(t, f.store.Threads(), 1)
}

func TestSyncMessagesSkipsNoSelectFolders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.remote.AddFolder("[Gmail]", `\Noselect`)
	f.syncTree(t)

	require.NoError(t, f.svc.SyncMessages(ctx, f.folder(t, "[Gmail]").ID, nil))
	assert.Zero(t, f.remote.CallCount("SELECT"))
}

func TestSyncMessagesInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "INBOX")
	f.syncTree(t)
	inbox := f.folder(t, "INBOX").ID

	page, err := f.svc.Directory(ctx, inbox, 1)
	require.NoError(t, err)
	assert.Empty(t, page.Threads)
	assert.Equal(t, 1, f.cache.Len())

	f.remote.Add("INBOX", testutil.Envelope("<a@x>", "", "Hello", "bob@example.com", base))
	f.sync(t, "INBOX")
	assert.Zero(t, f.cache.Len())

	page, err = f.svc.Directory(ctx, inbox, 1)
	require.NoError(t, err)
	assert.Len(t, page.Threads, 1)
}

func TestSyncMessagesInvalidatesOtherFolders(t *testing.T) {
	ctx := context.Background()

	t.Run("merge drops the absorbed thread from other folders", func(t *testing.T) {
		f := newFixture(t, "INBOX", "Sent")
		f.syncTree(t)
		f.remote.Add("INBOX", testutil.Envelope("<a@x>", "", "Plans", "bob@example.com", base))
		f.remote.Add("Sent", testutil.Envelope("<b@x>", "<c@x>", "Re: Plans", "me@example.com", base.Add(2*time.Hour)))
		f.sync(t, "INBOX")
		f.sync(t, "Sent")
		require.Len(t, f.store.Threads(), 2)

		sent := f.folder(t, "Sent").ID
		page, err := f.svc.Directory(ctx, sent, 1)
		require.NoError(t, err)
		require.Len(t, page.Threads, 1)

		f.remote.Add("INBOX", testutil.Envelope("<c@x>", "<a@x>", "Re: Plans", "bob@example.com", base.Add(time.Hour)))
		f.sync(t, "INBOX")

		thread := f.onlyThread(t)
		assert.Len(t, thread.Messages, 3)

		page, err = f.svc.Directory(ctx, sent, 1)
		require.NoError(t, err)
		require.Len(t, page.Threads, 1)
		assert.Equal(t, thread.ID, page.Threads[0].ID)
		_, err = f.store.GetThread(ctx, page.Threads[0].ID)
		assert.NoError(t, err)
	})

	t.Run("removal refreshes the thread in other folders", func(t *testing.T) {
		f := newFixture(t, "INBOX", "Sent")
		f.syncTree(t)
		uid := f.remote.Add("INBOX", testutil.Envelope("<a@x>", "", "Plans", "bob@example.com", base))
		f.remote.Add("Sent", testutil.Envelope("<b@x>", "<a@x>", "Re: Plans", "me@example.com", base.Add(time.Hour)))
		f.sync(t, "INBOX")
		f.sync(t, "Sent")

		sent := f.folder(t, "Sent").ID
		page, err := f.svc.Directory(ctx, sent, 1)
		require.NoError(t, err)
		require.Len(t, page.Threads, 1)
		require.Len(t, page.Threads[0].Messages, 2)

		f.remote.Expunge("INBOX", uid)
		f.sync(t, "INBOX")

		page, err = f.svc.Directory(ctx, sent, 1)
		require.NoError(t, err)
		require.Len(t, page.Threads, 1)
		assert.Len(t, page.Threads[0].Messages, 1)
		assert.Equal(t, []string{sent}, page.Threads[0].FolderIDs)
	})
}
