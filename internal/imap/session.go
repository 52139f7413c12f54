package imap

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

var (
	// ErrNoFolderSelected is returned by message-level calls made before SelectFolder.
	ErrNoFolderSelected = errors.New("no folder selected")
	// ErrFolderAlreadySelected is returned when selecting while another folder is open.
	ErrFolderAlreadySelected = errors.New("a folder is already selected")
	// ErrMessageNotFound is returned when the server has no message for a UID.
	ErrMessageNotFound = errors.New("message not found on server")
)

// ProtocolError is a failed remote command.
type ProtocolError struct {
	Command string
	Folder  string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Folder == "" {
		return fmt.Sprintf("imap %s failed: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("imap %s on %q failed: %v", e.Command, e.Folder, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// FolderInfo is one LIST response entry.
type FolderInfo struct {
	Name       string
	Delimiter  string
	Attributes []string
}

// HasAttr reports whether the folder carries the attribute, ignoring case.
func (f FolderInfo) HasAttr(attr string) bool {
	for _, a := range f.Attributes {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

type FolderStatus struct {
	Name        string
	Total       int
	Unread      int
	NextUID     uint32
	UIDValidity uint32
}

// Envelope is the header-level data of one message, fetched in bulk during a sync.
type Envelope struct {
	UID            uint32
	MessageID      string
	InReplyTo      string
	Subject        string
	Date           time.Time
	From           string
	Sender         string
	ReplyTo        string
	To             []string
	Cc             []string
	Bcc            []string
	Size           int64
	HasAttachments bool
	Seen           bool
}

// RawMessage is a full RFC 822 message with its current flags.
type RawMessage struct {
	UID  uint32
	Seen bool
	Body []byte
}

// Session is an authenticated connection with at most one selected folder.
// It is not safe for concurrent use.
type Session interface {
	ListFolders(ref, pattern string) ([]FolderInfo, error)
	SelectFolder(name string, readOnly bool) (*FolderStatus, error)
	CloseFolder() error
	SearchAll() ([]uint32, error)
	SearchUnseen() ([]uint32, error)
	FetchEnvelopes(uids []uint32) (map[uint32]*Envelope, error)
	FetchBody(uid uint32) (*RawMessage, error)
	SetFlag(uids []uint32, flag string) error
	ClearFlag(uids []uint32, flag string) error
	Copy(uids []uint32, dest string) error
	Expunge() error
	FolderStatus(name string) (*FolderStatus, error)
	Logout() error
	Selected() string
}

// clientSession implements Session on top of a go-imap client.
type clientSession struct {
	client   *client.Client
	selected string
}

func (s *clientSession) Selected() string {
	return s.selected
}

func (s *clientSession) fail(command string, err error) error {
	return &ProtocolError{Command: command, Folder: s.selected, Err: err}
}

func (s *clientSession) requireSelected() error {
	if s.selected == "" {
		return ErrNoFolderSelected
	}
	return nil
}

func (s *clientSession) SelectFolder(name string, readOnly bool) (*FolderStatus, error) {
	if s.selected != "" {
		return nil, ErrFolderAlreadySelected
	}

	mbox, err := s.client.Select(name, readOnly)
	if err != nil {
		return nil, &ProtocolError{Command: "SELECT", Folder: name, Err: err}
	}
	s.selected = name

	return &FolderStatus{
		Name:        name,
		Total:       int(mbox.Messages),
		Unread:      int(mbox.Unseen),
		NextUID:     mbox.UidNext,
		UIDValidity: mbox.UidValidity,
	}, nil
}

func (s *clientSession) CloseFolder() error {
	if err := s.requireSelected(); err != nil {
		return err
	}
	// A failed CLOSE still leaves no folder selected.
	var err error
	if cerr := s.client.Close(); cerr != nil {
		err = s.fail("CLOSE", cerr)
	}
	s.selected = ""
	return err
}

func (s *clientSession) SearchAll() ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.DeletedFlag}
	return s.search("SEARCH NOT DELETED", criteria)
}

func (s *clientSession) SearchUnseen() ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	return s.search("SEARCH UNSEEN", criteria)
}

func (s *clientSession) search(command string, criteria *imap.SearchCriteria) ([]uint32, error) {
	if err := s.requireSelected(); err != nil {
		return nil, err
	}
	uids, err := s.client.UidSearch(criteria)
	if err != nil {
		return nil, s.fail(command, err)
	}
	return uids, nil
}

func (s *clientSession) SetFlag(uids []uint32, flag string) error {
	return s.store(uids, imap.AddFlags, flag)
}

func (s *clientSession) ClearFlag(uids []uint32, flag string) error {
	return s.store(uids, imap.RemoveFlags, flag)
}

func (s *clientSession) store(uids []uint32, op imap.FlagsOp, flag string) error {
	if err := s.requireSelected(); err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}
	item := imap.FormatFlagsOp(op, true)
	if err := s.client.UidStore(uidSet(uids), item, []interface{}{flag}, nil); err != nil {
		return s.fail(fmt.Sprintf("STORE %s %s", item, flag), err)
	}
	return nil
}

func (s *clientSession) Copy(uids []uint32, dest string) error {
	if err := s.requireSelected(); err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}
	if err := s.client.UidCopy(uidSet(uids), dest); err != nil {
		return s.fail("COPY "+dest, err)
	}
	return nil
}

func (s *clientSession) Expunge() error {
	if err := s.requireSelected(); err != nil {
		return err
	}
	if err := s.client.Expunge(nil); err != nil {
		return s.fail("EXPUNGE", err)
	}
	return nil
}

func (s *clientSession) Logout() error {
	s.selected = ""
	if err := s.client.Logout(); err != nil {
		return &ProtocolError{Command: "LOGOUT", Err: err}
	}
	return nil
}

func uidSet(uids []uint32) *imap.SeqSet {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	return seqSet
}
