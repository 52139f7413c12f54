package imap

import (
	"io"

	"github.com/emersion/go-imap"
)

// FetchEnvelopes fetches header-level data for every UID in one round trip.
// UIDs the server no longer has are absent from the result.
func (s *clientSession) FetchEnvelopes(uids []uint32) (map[uint32]*Envelope, error) {
	if err := s.requireSelected(); err != nil {
		return nil, err
	}

	result := make(map[uint32]*Envelope, len(uids))
	if len(uids) == 0 {
		return result, nil
	}

	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchRFC822Size,
		imap.FetchBodyStructure,
		imap.FetchInternalDate,
		imap.FetchUid,
	}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)

	go func() {
		done <- s.client.UidFetch(uidSet(uids), items, messages)
	}()

	for msg := range messages {
		if env := ParseEnvelope(msg); env != nil {
			result[env.UID] = env
		}
	}

	if err := <-done; err != nil {
		return nil, s.fail("FETCH ENVELOPE", err)
	}

	return result, nil
}

// FetchBody fetches the full message without setting \Seen.
func (s *clientSession) FetchBody(uid uint32) (*RawMessage, error) {
	if err := s.requireSelected(); err != nil {
		return nil, err
	}

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		section.FetchItem(),
		imap.FetchFlags,
		imap.FetchUid,
	}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)

	go func() {
		done <- s.client.UidFetch(uidSet([]uint32{uid}), items, messages)
	}()

	var found *imap.Message
	for msg := range messages {
		if found == nil && msg.Uid == uid {
			found = msg
		}
	}

	if err := <-done; err != nil {
		return nil, s.fail("FETCH BODY[]", err)
	}
	if found == nil {
		return nil, s.fail("FETCH BODY[]", ErrMessageNotFound)
	}

	raw := &RawMessage{UID: uid, Seen: hasFlag(found.Flags, imap.SeenFlag)}
	if r := found.GetBody(section); r != nil {
		body, err := io.ReadAll(r)
		if err != nil {
			return nil, s.fail("FETCH BODY[]", err)
		}
		raw.Body = body
	}

	return raw, nil
}
