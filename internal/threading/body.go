package threading

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/jhillyerd/enmime"
	"github.com/vdavid/wombat/internal/models"
)

// ErrCopyNotFound is returned when no message in the thread has the given copy.
var ErrCopyNotFound = errors.New("copy not found in thread")

// ApplyBody stores a fetched RFC 822 body on the message owning the copy at
// (folderID, uid), marks it fetched, and refreshes that copy's read flag.
// The thread is modified in memory only.
func ApplyBody(thread *models.Thread, folderID string, uid uint32, raw []byte, seen bool) error {
	for _, m := range thread.Messages {
		for i := range m.Copies {
			c := &m.Copies[i]
			if c.FolderID != folderID || c.UID != uid {
				continue
			}
			if err := parseBody(raw, m); err != nil {
				return err
			}
			m.IsFetched = true
			c.IsRead = seen
			return nil
		}
	}
	return fmt.Errorf("%w: folder %s uid %d", ErrCopyNotFound, folderID, uid)
}

// parseBody parses the email body using enmime.
func parseBody(raw []byte, msg *models.Message) error {
	envelope, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to parse email body: %w", err)
	}

	htmlBody := envelope.HTML
	if htmlBody == "" {
		htmlBody = strings.ReplaceAll(envelope.Text, "\n", "<br>")
	}
	msg.UnsafeBodyHTML = htmlBody
	msg.BodyText = envelope.Text

	msg.Attachments = msg.Attachments[:0]
	for _, part := range envelope.Attachments {
		msg.Attachments = append(msg.Attachments, attachmentFromPart(part, false))
	}
	for _, part := range envelope.Inlines {
		msg.Attachments = append(msg.Attachments, attachmentFromPart(part, true))
	}
	msg.HasAttachments = msg.HasAttachments || len(envelope.Attachments) > 0

	return nil
}

func attachmentFromPart(part *enmime.Part, inline bool) models.Attachment {
	return models.Attachment{
		Filename:  part.FileName,
		MimeType:  part.ContentType,
		SizeBytes: int64(len(part.Content)),
		IsInline:  inline || part.ContentID != "",
		ContentID: part.ContentID,
	}
}
