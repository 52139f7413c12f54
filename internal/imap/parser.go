package imap

import (
	"strings"

	"github.com/emersion/go-imap"
	"github.com/vdavid/wombat/internal/header"
)

// ParseEnvelope converts a fetched message into an Envelope.
// Returns nil when the server sent no UID.
func ParseEnvelope(msg *imap.Message) *Envelope {
	if msg == nil || msg.Uid == 0 {
		return nil
	}

	env := &Envelope{
		UID:            msg.Uid,
		Date:           msg.InternalDate,
		Size:           int64(msg.Size),
		Seen:           hasFlag(msg.Flags, imap.SeenFlag),
		HasAttachments: hasAttachments(msg.BodyStructure),
	}

	if e := msg.Envelope; e != nil {
		env.MessageID = strings.TrimSpace(e.MessageId)
		env.InReplyTo = strings.TrimSpace(e.InReplyTo)
		env.Subject = header.DecodeHeader(e.Subject)
		env.From = header.FirstAddress(e.From)
		env.Sender = header.FirstAddress(e.Sender)
		env.ReplyTo = header.FirstAddress(e.ReplyTo)
		env.To = header.AddressesFromStructure(e.To)
		env.Cc = header.AddressesFromStructure(e.Cc)
		env.Bcc = header.AddressesFromStructure(e.Bcc)
		if !e.Date.IsZero() {
			env.Date = e.Date
		}
	}

	return env
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// hasAttachments walks a body structure looking for a part that is an attachment
// or carries a file name.
func hasAttachments(bs *imap.BodyStructure) bool {
	if bs == nil {
		return false
	}

	if strings.EqualFold(bs.Disposition, "attachment") {
		return true
	}
	if bs.DispositionParams["filename"] != "" || bs.Params["name"] != "" {
		return true
	}

	for _, part := range bs.Parts {
		if hasAttachments(part) {
			return true
		}
	}
	return false
}
