package imap

import (
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
)

func TestParseEnvelope(t *testing.T) {
	internal := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	sent := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("returns nil without a uid", func(t *testing.T) {
		assert.Nil(t, ParseEnvelope(nil))
		assert.Nil(t, ParseEnvelope(&imap.Message{}))
	})

	t.Run("maps envelope fields", func(t *testing.T) {
		msg := &imap.Message{
			Uid:          42,
			Size:         1234,
			InternalDate: internal,
			Flags:        []string{imap.SeenFlag, imap.FlaggedFlag},
			Envelope: &imap.Envelope{
				Date:      sent,
				Subject:   "=?UTF-8?Q?Gr=C3=BC=C3=9Fe?=",
				MessageId: " <m1@example.com> ",
				InReplyTo: "<m0@example.com>",
				From:      []*imap.Address{{PersonalName: "Ann", MailboxName: "ann", HostName: "example.com"}},
				Sender:    []*imap.Address{{MailboxName: "list", HostName: "example.com"}},
				ReplyTo:   []*imap.Address{{MailboxName: "ann", HostName: "example.com"}},
				To:        []*imap.Address{{MailboxName: "bob", HostName: "example.com"}},
				Cc:        []*imap.Address{{MailboxName: "team"}, {MailboxName: "cy", HostName: "example.com"}, {}},
			},
		}

		env := ParseEnvelope(msg)
		assert.Equal(t, uint32(42), env.UID)
		assert.Equal(t, int64(1234), env.Size)
		assert.True(t, env.Seen)
		assert.Equal(t, "Grüße", env.Subject)
		assert.Equal(t, "<m1@example.com>", env.MessageID)
		assert.Equal(t, "<m0@example.com>", env.InReplyTo)
		assert.Equal(t, "Ann <ann@example.com>", env.From)
		assert.Equal(t, "list@example.com", env.Sender)
		assert.Equal(t, "ann@example.com", env.ReplyTo)
		assert.Equal(t, []string{"bob@example.com"}, env.To)
		assert.Equal(t, []string{"cy@example.com"}, env.Cc)
		assert.Empty(t, env.Bcc)
		assert.Equal(t, sent, env.Date)
	})

	t.Run("falls back to the internal date", func(t *testing.T) {
		env := ParseEnvelope(&imap.Message{Uid: 1, InternalDate: internal, Envelope: &imap.Envelope{}})
		assert.Equal(t, internal, env.Date)
		assert.False(t, env.Seen)
	})
}

func TestHasAttachments(t *testing.T) {
	tests := []struct {
		name string
		bs   *imap.BodyStructure
		want bool
	}{
		{"nil structure", nil, false},
		{"plain text", &imap.BodyStructure{MIMEType: "text", MIMESubType: "plain"}, false},
		{
			name: "attachment disposition in a nested part",
			bs: &imap.BodyStructure{
				MIMEType: "multipart", MIMESubType: "mixed",
				Parts: []*imap.BodyStructure{
					{MIMEType: "text", MIMESubType: "plain"},
					{MIMEType: "application", MIMESubType: "pdf", Disposition: "ATTACHMENT"},
				},
			},
			want: true,
		},
		{
			name: "named part without disposition",
			bs: &imap.BodyStructure{
				MIMEType: "multipart", MIMESubType: "mixed",
				Parts: []*imap.BodyStructure{
					{MIMEType: "image", MIMESubType: "png", Params: map[string]string{"name": "logo.png"}},
				},
			},
			want: true,
		},
		{
			name: "alternative bodies only",
			bs: &imap.BodyStructure{
				MIMEType: "multipart", MIMESubType: "alternative",
				Parts: []*imap.BodyStructure{
					{MIMEType: "text", MIMESubType: "plain", Params: map[string]string{"charset": "utf-8"}},
					{MIMEType: "text", MIMESubType: "html", Disposition: "inline"},
				},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, hasAttachments(tt.bs))
		})
	}
}

func TestProtocolError(t *testing.T) {
	inner := assert.AnError
	err := &ProtocolError{Command: "SELECT", Folder: "INBOX", Err: inner}

	assert.Equal(t, `imap SELECT on "INBOX" failed: `+inner.Error(), err.Error())
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "imap LOGOUT failed: "+inner.Error(), (&ProtocolError{Command: "LOGOUT", Err: inner}).Error())
}

func TestFolderInfoHasAttr(t *testing.T) {
	info := FolderInfo{Name: "Archive", Attributes: []string{`\HasChildren`, `\Noselect`}}

	assert.True(t, info.HasAttr(imap.NoSelectAttr))
	assert.True(t, info.HasAttr(`\haschildren`))
	assert.False(t, info.HasAttr(imap.NoInferiorsAttr))
}
