package mailsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/wombat/internal/db"
	"github.com/vdavid/wombat/internal/imap"
	"github.com/vdavid/wombat/internal/models"
	"github.com/vdavid/wombat/internal/testutil"
)

func TestMarkReadAndUnread(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "INBOX", "Sent")
	f.syncTree(t)
	inboxUID := f.remote.Add("INBOX", testutil.Envelope("<a@x>", "", "Hello", "bob@example.com", base))
	sentUID := f.remote.Add("Sent", testutil.Envelope("<b@x>", "<a@x>", "Re: Hello", "me@example.com", base.Add(time.Hour)))
	f.sync(t, "INBOX")
	f.sync(t, "Sent")
	thread := f.onlyThread(t)
	require.False(t, thread.IsRead())

	require.NoError(t, f.svc.MarkRead(ctx, thread.ID))

	assert.True(t, f.remote.IsSeen("INBOX", inboxUID))
	assert.True(t, f.remote.IsSeen("Sent", sentUID))
	assert.True(t, f.onlyThread(t).IsRead())

	require.NoError(t, f.svc.MarkUnread(ctx, thread.ID))

	assert.False(t, f.remote.IsSeen("INBOX", inboxUID))
	assert.False(t, f.remote.IsSeen("Sent", sentUID))
	assert.False(t, f.onlyThread(t).IsRead())
	assert.Equal(t, f.remote.Opened, f.remote.LoggedOut)
}

func TestMarkReadFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "INBOX", "Sent")
	f.syncTree(t)
	inboxUID := f.remote.Add("INBOX", testutil.Envelope("<a@x>", "", "Hello", "bob@example.com", base))
	f.remote.Add("Sent", testutil.Envelope("<b@x>", "<a@x>", "Re: Hello", "me@example.com", base.Add(time.Hour)))
	f.sync(t, "INBOX")
	f.sync(t, "Sent")
	thread := f.onlyThread(t)

	boom := errors.New("permission denied")
	f.remote.Fail("STORE Sent", boom)
	searches := f.remote.CallCount("SEARCH INBOX")

	err := f.svc.MarkRead(ctx, thread.ID)

	var perr *imap.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, boom)

	assert.True(t, f.remote.IsSeen("INBOX", inboxUID), "earlier folders keep their change")
	assert.Greater(t, f.remote.CallCount("SEARCH INBOX"), searches, "mutated folders are resynced")

	stored := f.onlyThread(t)
	assert.False(t, stored.IsRead(), "local state follows the server, not the request")
	for _, m := range stored.Messages {
		for _, c := range m.Copies {
			assert.Equal(t, c.FolderID == f.folder(t, "INBOX").ID, c.IsRead)
		}
	}
}

func TestMoveTo(t *testing.T) {
	ctx := context.Background()

	t.Run("moves the authoritative copy", func(t *testing.T) {
		f := newFixture(t, "INBOX", "Archive")
		f.syncTree(t)
		f.padUIDs("INBOX", 10)
		require.Equal(t, uint32(10), f.remote.Add("INBOX", testutil.Envelope("<a@x>", "", "Invoice", "shop@example.com", base)))
		f.sync(t, "INBOX")
		before := f.onlyThread(t)
		messageID := before.Messages[0].ID

		require.NoError(t, f.svc.MoveTo(ctx, before.ID, "Archive"))

		assert.Empty(t, f.remote.UIDs("INBOX"))
		archived := f.remote.UIDs("Archive")
		require.Len(t, archived, 1)

		thread := f.onlyThread(t)
		assert.Equal(t, before.ID, thread.ID)
		require.Len(t, thread.Messages, 1)
		assert.Equal(t, messageID, thread.Messages[0].ID, "the logical message survives the move")
		assert.Equal(t, []models.Copy{{FolderID: f.folder(t, "Archive").ID, UID: archived[0]}}, thread.Messages[0].Copies)
		assert.Equal(t, []string{f.folder(t, "Archive").ID}, thread.FolderIDs)
		assertNoDoubleCount(t, f.store)
	})

	t.Run("keeps the sent copy", func(t *testing.T) {
		f := newFixture(t, "INBOX", "Sent", "Archive")
		f.syncTree(t)
		env := testutil.Envelope("", "", "Note to self", "me@example.com", base)
		sentUID := f.remote.Add("Sent", env)
		f.remote.Add("INBOX", env)
		f.sync(t, "Sent")
		f.sync(t, "INBOX")
		thread := f.onlyThread(t)
		require.Len(t, thread.Messages[0].Copies, 2)

		require.NoError(t, f.svc.MoveTo(ctx, thread.ID, "Archive"))

		assert.Equal(t, []uint32{sentUID}, f.remote.UIDs("Sent"))
		assert.Empty(t, f.remote.UIDs("INBOX"))
		assert.Len(t, f.remote.UIDs("Archive"), 1)

		moved := f.onlyThread(t)
		require.Len(t, moved.Messages, 1)
		assert.ElementsMatch(t, []string{f.folder(t, "Sent").ID, f.folder(t, "Archive").ID}, moved.FolderIDs)
	})

	t.Run("extra copies outside kept folders are deleted", func(t *testing.T) {
		f := newFixture(t, "INBOX", "Projects", "Archive")
		f.syncTree(t)
		env := testutil.Envelope("<a@x>", "", "Specs", "bob@example.com", base)
		f.remote.Add("INBOX", env)
		f.remote.Add("Projects", env)
		f.sync(t, "INBOX")
		f.sync(t, "Projects")

		require.NoError(t, f.svc.MoveTo(ctx, f.onlyThread(t).ID, "Archive"))

		assert.Empty(t, f.remote.UIDs("INBOX"))
		assert.Empty(t, f.remote.UIDs("Projects"))
		assert.Len(t, f.remote.UIDs("Archive"), 1, "only one copy lands in the destination")
		thread := f.onlyThread(t)
		require.Len(t, thread.Messages, 1)
		assert.Len(t, thread.Messages[0].Copies, 1)
	})

	t.Run("unknown destination", func(t *testing.T) {
		f := newFixture(t, "INBOX")
		f.syncTree(t)
		f.remote.Add("INBOX", testutil.Envelope("<a@x>", "", "Hello", "bob@example.com", base))
		f.sync(t, "INBOX")

		err := f.svc.MoveTo(ctx, f.onlyThread(t).ID, "Nowhere")
		assert.ErrorIs(t, err, db.ErrFolderNotFound)
		assert.Zero(t, f.remote.CallCount("COPY"))
	})

	t.Run("failed copy leaves the source intact", func(t *testing.T) {
		f := newFixture(t, "INBOX", "Archive")
		f.syncTree(t)
		f.remote.Add("INBOX", testutil.Envelope("<a@x>", "", "Hello", "bob@example.com", base))
		f.sync(t, "INBOX")
		f.remote.Fail("COPY to Archive", errors.New("quota exceeded"))

		err := f.svc.MoveTo(ctx, f.onlyThread(t).ID, "Archive")

		var perr *imap.ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "COPY", perr.Command)
		assert.Len(t, f.remote.UIDs("INBOX"), 1)
		assert.Empty(t, f.remote.UIDs("Archive"))
		assert.Len(t, f.onlyThread(t).Messages, 1)
		assert.Equal(t, f.remote.Opened, f.remote.LoggedOut)
	})
}

func TestDeleteFromIMAP(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "INBOX", "Sent")
	f.syncTree(t)
	f.remote.Add("INBOX", testutil.Envelope("<a@x>", "", "Hello", "bob@example.com", base))
	f.remote.Add("Sent", testutil.Envelope("<b@x>", "<a@x>", "Re: Hello", "me@example.com", base.Add(time.Hour)))
	f.sync(t, "INBOX")
	f.sync(t, "Sent")

	require.NoError(t, f.svc.DeleteFromIMAP(ctx, f.onlyThread(t).ID))

	assert.Empty(t, f.remote.UIDs("INBOX"))
	assert.Empty(t, f.remote.UIDs("Sent"))
	assert.Empty(t, f.store.Threads())
	assert.Equal(t, 2, f.remote.CallCount("EXPUNGE"))
}

func TestMoveToTrash(t *testing.T) {
	ctx := context.Background()

	t.Run("moves to the trash folder", func(t *testing.T) {
		f := newFixture(t, "INBOX")
		f.remote.AddFolder("Bin", `\Trash`)
		f.syncTree(t)
		f.remote.Add("INBOX", testutil.Envelope("<a@x>", "", "Hello", "bob@example.com", base))
		f.sync(t, "INBOX")

		require.NoError(t, f.svc.MoveToTrash(ctx, f.onlyThread(t).ID))

		assert.Empty(t, f.remote.UIDs("INBOX"))
		assert.Len(t, f.remote.UIDs("Bin"), 1)
		assert.Equal(t, []string{f.folder(t, "Bin").ID}, f.onlyThread(t).FolderIDs)

		t.Run("deletes for good when already in the trash", func(t *testing.T) {
			require.NoError(t, f.svc.MoveToTrash(ctx, f.onlyThread(t).ID))
			assert.Empty(t, f.remote.UIDs("Bin"))
			assert.Empty(t, f.store.Threads())
		})
	})

	t.Run("deletes when there is no trash folder", func(t *testing.T) {
		f := newFixture(t, "INBOX")
		f.syncTree(t)
		f.remote.Add("INBOX", testutil.Envelope("<a@x>", "", "Hello", "bob@example.com", base))
		f.sync(t, "INBOX")

		require.NoError(t, f.svc.MoveToTrash(ctx, f.onlyThread(t).ID))

		assert.Empty(t, f.remote.UIDs("INBOX"))
		assert.Empty(t, f.store.Threads())
		assert.Zero(t, f.remote.CallCount("COPY"))
	})
}

func TestFetchMissing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "INBOX", "Sent")
	f.syncTree(t)
	inboxUID := f.remote.Add("INBOX", testutil.Envelope("<a@x>", "", "Hello", "bob@example.com", base))
	f.remote.SetBody("INBOX", inboxUID, "From: bob@example.com\r\n"+
		"Subject: Hello\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/html; charset=utf-8\r\n"+
		"\r\n"+
		"<p>Lunch at noon?</p>\r\n")
	f.remote.Add("Sent", testutil.Envelope("<b@x>", "<a@x>", "Re: Hello", "me@example.com", base.Add(time.Hour)))
	f.sync(t, "INBOX")
	f.sync(t, "Sent")
	threadID := f.onlyThread(t).ID
	saves := f.store.ThreadSaves
	opened := f.remote.Opened

	thread, err := f.svc.FetchMissing(ctx, threadID)
	require.NoError(t, err)

	assert.Equal(t, saves+1, f.store.ThreadSaves, "one save for the whole thread")
	assert.Equal(t, opened+1, f.remote.Opened, "one session for the whole thread")
	require.Len(t, thread.Messages, 2)
	assert.True(t, thread.Messages[0].IsFetched)
	assert.Contains(t, thread.Messages[0].UnsafeBodyHTML, "Lunch at noon?")
	assert.Contains(t, thread.Messages[1].BodyText, "Body of Re: Hello")

	stored := f.onlyThread(t)
	assert.True(t, stored.Messages[0].IsFetched)
	assert.True(t, stored.Messages[1].IsFetched)

	t.Run("nothing left to fetch", func(t *testing.T) {
		opened := f.remote.Opened
		_, err := f.svc.FetchMissing(ctx, threadID)
		require.NoError(t, err)
		assert.Equal(t, opened, f.remote.Opened)
	})
}

func TestFetchMissingSkipsVanishedMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "INBOX")
	f.syncTree(t)
	uid := f.remote.Add("INBOX", testutil.Envelope("<a@x>", "", "Hello", "bob@example.com", base))
	f.sync(t, "INBOX")
	f.remote.Expunge("INBOX", uid)

	thread, err := f.svc.FetchMissing(ctx, f.onlyThread(t).ID)
	require.NoError(t, err)
	assert.False(t, thread.Messages[0].IsFetched)
}
