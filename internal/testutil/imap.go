package testutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
	"github.com/vdavid/wombat/internal/models"
)

// TestIMAPServer represents a test IMAP server instance.
type TestIMAPServer struct {
	Server   *server.Server
	Address  string
	Backend  *memory.Backend
	cleanup  func()
	username string
	password string
}

// NewTestIMAPServer starts an IMAP server with an in-memory backend on a random port.
// The memory backend has one user, "username" with password "password", whose INBOX
// already holds a single seen message.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	be := memory.New()

	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		// Serve returns an error once the listener is closed on cleanup.
		_ = s.Serve(listener)
	}()

	srv := &TestIMAPServer{
		Server:   s,
		Address:  listener.Addr().String(),
		Backend:  be,
		username: "username",
		password: "password",
	}
	srv.cleanup = func() {
		_ = s.Close()
	}
	t.Cleanup(srv.Close)

	return srv
}

// Close shuts down the test IMAP server.
func (s *TestIMAPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
}

// Username returns the default test username.
func (s *TestIMAPServer) Username() string {
	return s.username
}

// Password returns the default test password.
func (s *TestIMAPServer) Password() string {
	return s.password
}

// Account returns a plain-text account pointing at this server.
func (s *TestIMAPServer) Account(healthy bool) *models.Account {
	host, portStr, _ := net.SplitHostPort(s.Address)
	port, _ := strconv.Atoi(portStr)
	return &models.Account{
		Username: s.username,
		Password: s.password,
		Host:     host,
		Port:     port,
		UseTLS:   false,
		Healthy:  healthy,
	}
}

// Connect creates a new IMAP client connection to the test server.
func (s *TestIMAPServer) Connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	client, err := imapclient.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to connect to test server: %v", err)
	}

	if err := client.Login(s.username, s.password); err != nil {
		_ = client.Logout()
		t.Fatalf("Failed to login: %v", err)
	}

	cleanup := func() {
		_ = client.Logout()
	}

	return client, cleanup
}

// CreateFolder creates a mailbox on the server.
func (s *TestIMAPServer) CreateFolder(t *testing.T, name string) {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	if err := client.Create(name); err != nil {
		t.Fatalf("Failed to create folder %s: %v", name, err)
	}
}

// TestMessage describes a message to append to the test server.
type TestMessage struct {
	MessageID string
	InReplyTo string
	Subject   string
	From      string
	To        string
	SentAt    time.Time
	Seen      bool
	Body      string
}

// Raw renders the message as RFC 822 text.
func (m TestMessage) Raw() string {
	var b strings.Builder
	if m.MessageID != "" {
		fmt.Fprintf(&b, "Message-ID: %s\r\n", m.MessageID)
	}
	if m.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", m.InReplyTo)
	}
	fmt.Fprintf(&b, "Date: %s\r\n", m.SentAt.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", m.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	body := m.Body
	if body == "" {
		body = "Test message body."
	}
	b.WriteString(body + "\r\n")
	return b.String()
}

// AddMessage appends a message to the folder and returns its UID.
func (s *TestIMAPServer) AddMessage(t *testing.T, folderName string, msg TestMessage) uint32 {
	t.Helper()

	var flags []string
	if msg.Seen {
		flags = append(flags, imap.SeenFlag)
	}
	return s.AddRawMessage(t, folderName, msg.Raw(), flags)
}

// AddRawMessage appends raw RFC 822 text with the given flags and returns its UID.
func (s *TestIMAPServer) AddRawMessage(t *testing.T, folderName, raw string, flags []string) uint32 {
	t.Helper()

	client, cleanup := s.Connect(t)
	defer cleanup()

	status, err := client.Status(folderName, []imap.StatusItem{imap.StatusUidNext})
	if err != nil {
		t.Fatalf("Failed to get status of %s: %v", folderName, err)
	}

	if err := client.Append(folderName, flags, time.Now(), strings.NewReader(raw)); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}

	return status.UidNext
}
