package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/vdavid/wombat/internal/imap"
	"github.com/vdavid/wombat/internal/models"
)

// FakeRemote is a scripted IMAP store. It hands out sessions implementing
// imap.Session and can be told to fail any command.
type FakeRemote struct {
	mu        sync.Mutex
	delimiter string
	folders   map[string]*fakeFolder
	failures  map[string]error

	// Calls records every command in the form "COMMAND folder".
	Calls     []string
	Opened    int
	LoggedOut int
	AuthFails bool
}

type fakeFolder struct {
	name     string
	attrs    []string
	messages map[uint32]*fakeMessage
	nextUID  uint32
}

type fakeMessage struct {
	env     imap.Envelope
	body    []byte
	deleted bool
}

func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		delimiter: "/",
		folders:   make(map[string]*fakeFolder),
		failures:  make(map[string]error),
	}
}

// SetDelimiter changes the hierarchy delimiter reported by LIST.
func (r *FakeRemote) SetDelimiter(delim string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delimiter = delim
}

// AddFolder creates a folder with the given LIST attributes.
func (r *FakeRemote) AddFolder(name string, attrs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.folders[name] = &fakeFolder{name: name, attrs: attrs, messages: make(map[uint32]*fakeMessage), nextUID: 1}
}

// RemoveFolder deletes a folder and its messages.
func (r *FakeRemote) RemoveFolder(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.folders, name)
}

// Add appends a message to the folder and returns its UID.
func (r *FakeRemote) Add(folder string, env imap.Envelope) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	f := r.mustFolder(folder)
	env.UID = f.nextUID
	f.nextUID++
	f.messages[env.UID] = &fakeMessage{env: env}
	return env.UID
}

// SetBody sets the raw RFC 822 text returned by FetchBody.
func (r *FakeRemote) SetBody(folder string, uid uint32, body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mustFolder(folder).messages[uid].body = []byte(body)
}

// SetSeen changes a message's \Seen flag behind the client's back.
func (r *FakeRemote) SetSeen(folder string, uid uint32, seen bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mustFolder(folder).messages[uid].env.Seen = seen
}

// Expunge removes a message behind the client's back.
func (r *FakeRemote) Expunge(folder string, uid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mustFolder(folder).messages, uid)
}

// UIDs returns the UIDs in a folder, ascending.
func (r *FakeRemote) UIDs(folder string) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mustFolder(folder).uids(false)
}

// IsSeen reports a message's \Seen flag.
func (r *FakeRemote) IsSeen(folder string, uid uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mustFolder(folder).messages[uid].env.Seen
}

// Fail makes a command fail. The key is a command name like "STORE", or
// "STORE Trash" to fail it in one folder only. A nil error clears the failure.
func (r *FakeRemote) Fail(key string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, key)
		return
	}
	r.failures[key] = err
}

// CallCount counts recorded calls starting with prefix.
func (r *FakeRemote) CallCount(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.Calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Connect implements the gateway's Connect for healthy accounts.
func (r *FakeRemote) Connect(_ context.Context, account *models.Account) (imap.Session, error) {
	if !account.Healthy {
		return nil, imap.ErrUnhealthy
	}
	return r.open()
}

// Probe implements the gateway's credentials check.
func (r *FakeRemote) Probe(_ context.Context, _ *models.Account) error {
	sess, err := r.open()
	if err != nil {
		return err
	}
	return sess.Logout()
}

func (r *FakeRemote) open() (imap.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.AuthFails {
		return nil, imap.ErrAuthFailed
	}
	r.Opened++
	return &fakeSession{remote: r}, nil
}

func (r *FakeRemote) mustFolder(name string) *fakeFolder {
	f, ok := r.folders[name]
	if !ok {
		panic(fmt.Sprintf("fake remote has no folder %q", name))
	}
	return f
}

// call records a command and returns the scripted failure for it, if any.
func (r *FakeRemote) call(command, folder string) error {
	r.Calls = append(r.Calls, strings.TrimSpace(command+" "+folder))
	if err, ok := r.failures[command+" "+folder]; ok {
		return &imap.ProtocolError{Command: command, Folder: folder, Err: err}
	}
	if err, ok := r.failures[command]; ok {
		return &imap.ProtocolError{Command: command, Folder: folder, Err: err}
	}
	return nil
}

func (f *fakeFolder) uids(includeDeleted bool) []uint32 {
	uids := make([]uint32, 0, len(f.messages))
	for uid, m := range f.messages {
		if includeDeleted || !m.deleted {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

type fakeSession struct {
	remote   *FakeRemote
	selected string
	readOnly bool
	closed   bool
}

func (s *fakeSession) Selected() string {
	return s.selected
}

func (s *fakeSession) ListFolders(ref, pattern string) ([]imap.FolderInfo, error) {
	r := s.remote
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.call("LIST", ref+pattern); err != nil {
		return nil, err
	}

	prefix := ref + strings.TrimSuffix(pattern, "%")
	var names []string
	for name := range r.folders {
		if !strings.HasPrefix(name, prefix) || name == prefix {
			continue
		}
		if strings.Contains(name[len(prefix):], r.delimiter) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	infos := make([]imap.FolderInfo, 0, len(names))
	for _, name := range names {
		attrs := append([]string(nil), r.folders[name].attrs...)
		for other := range r.folders {
			if strings.HasPrefix(other, name+r.delimiter) {
				attrs = append(attrs, goimap.HasChildrenAttr)
				break
			}
		}
		infos = append(infos, imap.FolderInfo{Name: name, Delimiter: r.delimiter, Attributes: attrs})
	}
	return infos, nil
}

func (s *fakeSession) SelectFolder(name string, readOnly bool) (*imap.FolderStatus, error) {
	if s.selected != "" {
		return nil, imap.ErrFolderAlreadySelected
	}

	r := s.remote
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.call("SELECT", name); err != nil {
		return nil, err
	}
	f, ok := r.folders[name]
	if !ok {
		return nil, &imap.ProtocolError{Command: "SELECT", Folder: name, Err: fmt.Errorf("no such mailbox")}
	}

	s.selected = name
	s.readOnly = readOnly
	return &imap.FolderStatus{Name: name, Total: len(f.messages), NextUID: f.nextUID, UIDValidity: 1}, nil
}

func (s *fakeSession) CloseFolder() error {
	if s.selected == "" {
		return imap.ErrNoFolderSelected
	}
	r := s.remote
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.call("CLOSE", s.selected)
	s.selected = ""
	return err
}

// folder returns the selected folder after recording the command.
func (s *fakeSession) folder(command string) (*fakeFolder, error) {
	if s.selected == "" {
		return nil, imap.ErrNoFolderSelected
	}
	if err := s.remote.call(command, s.selected); err != nil {
		return nil, err
	}
	f, ok := s.remote.folders[s.selected]
	if !ok {
		return nil, &imap.ProtocolError{Command: command, Folder: s.selected, Err: fmt.Errorf("mailbox vanished")}
	}
	return f, nil
}

func (s *fakeSession) SearchAll() ([]uint32, error) {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()

	f, err := s.folder("SEARCH")
	if err != nil {
		return nil, err
	}
	return f.uids(false), nil
}

func (s *fakeSession) SearchUnseen() ([]uint32, error) {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()

	f, err := s.folder("SEARCH")
	if err != nil {
		return nil, err
	}
	var uids []uint32
	for _, uid := range f.uids(true) {
		if !f.messages[uid].env.Seen {
			uids = append(uids, uid)
		}
	}
	return uids, nil
}

func (s *fakeSession) FetchEnvelopes(uids []uint32) (map[uint32]*imap.Envelope, error) {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()

	f, err := s.folder("FETCH")
	if err != nil {
		return nil, err
	}
	out := make(map[uint32]*imap.Envelope, len(uids))
	for _, uid := range uids {
		if m, ok := f.messages[uid]; ok {
			env := m.env
			out[uid] = &env
		}
	}
	return out, nil
}

func (s *fakeSession) FetchBody(uid uint32) (*imap.RawMessage, error) {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()

	f, err := s.folder("FETCH")
	if err != nil {
		return nil, err
	}
	m, ok := f.messages[uid]
	if !ok {
		return nil, &imap.ProtocolError{Command: "FETCH", Folder: s.selected, Err: imap.ErrMessageNotFound}
	}
	body := m.body
	if body == nil {
		body = []byte(renderEnvelope(m.env))
	}
	return &imap.RawMessage{UID: uid, Seen: m.env.Seen, Body: body}, nil
}

func (s *fakeSession) SetFlag(uids []uint32, flag string) error {
	return s.store(uids, flag, true)
}

func (s *fakeSession) ClearFlag(uids []uint32, flag string) error {
	return s.store(uids, flag, false)
}

func (s *fakeSession) store(uids []uint32, flag string, set bool) error {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()

	f, err := s.folder("STORE")
	if err != nil {
		return err
	}
	if s.readOnly {
		return &imap.ProtocolError{Command: "STORE", Folder: s.selected, Err: fmt.Errorf("mailbox is read-only")}
	}
	for _, uid := range uids {
		m, ok := f.messages[uid]
		if !ok {
			continue
		}
		switch flag {
		case goimap.SeenFlag:
			m.env.Seen = set
		case goimap.DeletedFlag:
			m.deleted = set
		}
	}
	return nil
}

func (s *fakeSession) Copy(uids []uint32, dest string) error {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()

	f, err := s.folder("COPY")
	if err != nil {
		return err
	}
	if err := s.remote.call("COPY", "to "+dest); err != nil {
		return err
	}
	target, ok := s.remote.folders[dest]
	if !ok {
		return &imap.ProtocolError{Command: "COPY", Folder: s.selected, Err: fmt.Errorf("no such mailbox %q", dest)}
	}
	for _, uid := range uids {
		m, ok := f.messages[uid]
		if !ok {
			continue
		}
		copied := *m
		copied.env.UID = target.nextUID
		target.nextUID++
		target.messages[copied.env.UID] = &copied
	}
	return nil
}

func (s *fakeSession) Expunge() error {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()

	f, err := s.folder("EXPUNGE")
	if err != nil {
		return err
	}
	for uid, m := range f.messages {
		if m.deleted {
			delete(f.messages, uid)
		}
	}
	return nil
}

func (s *fakeSession) FolderStatus(name string) (*imap.FolderStatus, error) {
	r := s.remote
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.call("STATUS", name); err != nil {
		return nil, err
	}
	f, ok := r.folders[name]
	if !ok {
		return nil, &imap.ProtocolError{Command: "STATUS", Folder: name, Err: fmt.Errorf("no such mailbox")}
	}
	unread := 0
	for _, m := range f.messages {
		if !m.env.Seen {
			unread++
		}
	}
	return &imap.FolderStatus{Name: name, Total: len(f.messages), Unread: unread, NextUID: f.nextUID, UIDValidity: 1}, nil
}

func (s *fakeSession) Logout() error {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.selected = ""
	s.remote.LoggedOut++
	return nil
}

// Envelope builds a test envelope. Empty ids stay absent.
func Envelope(messageID, inReplyTo, subject, from string, date time.Time) imap.Envelope {
	return imap.Envelope{
		MessageID: messageID,
		InReplyTo: inReplyTo,
		Subject:   subject,
		From:      from,
		To:        []string{"me@example.com"},
		Date:      date,
		Size:      512,
	}
}

func renderEnvelope(env imap.Envelope) string {
	var b strings.Builder
	if env.MessageID != "" {
		fmt.Fprintf(&b, "Message-ID: %s\r\n", env.MessageID)
	}
	fmt.Fprintf(&b, "Date: %s\r\n", env.Date.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "From: %s\r\n", env.From)
	fmt.Fprintf(&b, "Subject: %s\r\n", env.Subject)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "Body of %s\r\n", env.Subject)
	return b.String()
}
