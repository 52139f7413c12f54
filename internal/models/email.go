package models

import (
	"sort"
	"time"
)

// Role is the purpose of a folder, guessed from its name or SPECIAL-USE attributes.
type Role string

const (
	RoleNormal Role = "normal"
	RoleInbox  Role = "inbox"
	RoleOutbox Role = "outbox"
	RoleDrafts Role = "drafts"
	RoleQueue  Role = "queue"
	RoleTrash  Role = "trash"
	RoleSpam   Role = "spam"
	// RoleOther is for provider-specific folders like Gmail's "All Mail".
	RoleOther Role = "other"
)

// KeepsExtraCopies reports whether duplicate copies in a folder with this role
// must survive a move, because they are the authoritative sent or draft record.
func (r Role) KeepsExtraCopies() bool {
	switch r {
	case RoleOutbox, RoleDrafts, RoleQueue, RoleOther:
		return true
	}
	return false
}

// Folder is one remote mailbox. Parent is an id reference, not a pointer.
type Folder struct {
	ID          string  `json:"id"`
	AccountID   string  `json:"account_id"`
	Name        string  `json:"name"`
	ParentID    *string `json:"parent_id,omitempty"`
	Role        Role    `json:"role"`
	HasChildren bool    `json:"has_children"`
	NoSelect    bool    `json:"no_select"`
	Total       int     `json:"total"`
	Unread      int     `json:"unread"`
}

// Selectable reports whether the folder can hold messages.
func (f *Folder) Selectable() bool {
	return !f.NoSelect
}

// Copy is one physical instance of a logical message at (folder, uid).
type Copy struct {
	FolderID string `json:"folder_id"`
	UID      uint32 `json:"uid"`
	IsRead   bool   `json:"is_read"`
}

// Thread is a flat conversation that may span several folders.
type Thread struct {
	ID        string     `json:"id"`
	AccountID string     `json:"account_id"`
	Date      time.Time  `json:"date"`
	FolderIDs []string   `json:"folder_ids"`
	Messages  []*Message `json:"messages,omitempty"`
}

// Message is a logical email. The same email stored in several folders is one
// Message with several copies.
type Message struct {
	ID              string       `json:"id"`
	ThreadID        string       `json:"thread_id"`
	MessageIDHeader string       `json:"message_id_header"`
	InReplyTo       string       `json:"in_reply_to"`
	SentAt          time.Time    `json:"sent_at"`
	Subject         string       `json:"subject"`
	BaseSubject     string       `json:"-"`
	FromAddress     string       `json:"from_address"`
	Sender          string       `json:"sender"`
	ReplyTo         string       `json:"reply_to"`
	ToAddresses     []string     `json:"to_addresses"`
	CCAddresses     []string     `json:"cc_addresses"`
	BCCAddresses    []string     `json:"bcc_addresses"`
	Size            int64        `json:"size"`
	HasAttachments  bool         `json:"has_attachments"`
	IsFetched       bool         `json:"is_fetched"`
	BodyText        string       `json:"body_text"`
	UnsafeBodyHTML  string       `json:"unsafe_body_html"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	Copies          []Copy       `json:"copies"`
}

type Attachment struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	IsInline  bool   `json:"is_inline"`
	ContentID string `json:"content_id,omitempty"`
}

// IsRead is true when every copy of the message has been seen.
func (m *Message) IsRead() bool {
	for _, c := range m.Copies {
		if !c.IsRead {
			return false
		}
	}
	return true
}

// SameEmail reports whether two messages are literal duplicates of one email,
// e.g. the sent copy and the inbox copy.
func (m *Message) SameEmail(other *Message) bool {
	return m.SentAt.Equal(other.SentAt) &&
		m.FromAddress == other.FromAddress &&
		m.Subject == other.Subject
}

// HasCopy reports whether the message has a copy at (folderID, uid).
func (m *Message) HasCopy(folderID string, uid uint32) bool {
	for _, c := range m.Copies {
		if c.FolderID == folderID && c.UID == uid {
			return true
		}
	}
	return false
}

// IsRead is the logical AND of every message's read state.
func (t *Thread) IsRead() bool {
	for _, m := range t.Messages {
		if !m.IsRead() {
			return false
		}
	}
	return true
}

// Subject returns the subject of the oldest message.
func (t *Thread) Subject() string {
	for _, m := range t.Messages {
		if m.Subject != "" {
			return m.Subject
		}
	}
	return ""
}

// Senders returns the distinct From addresses in message order.
func (t *Thread) Senders() []string {
	seen := make(map[string]bool)
	var senders []string
	for _, m := range t.Messages {
		if m.FromAddress == "" || seen[m.FromAddress] {
			continue
		}
		seen[m.FromAddress] = true
		senders = append(senders, m.FromAddress)
	}
	return senders
}

// Copies returns every copy of every message in the thread.
func (t *Thread) Copies() []Copy {
	var copies []Copy
	for _, m := range t.Messages {
		copies = append(copies, m.Copies...)
	}
	return copies
}

// Refresh recomputes the derived fields: message order, date and folder set.
func (t *Thread) Refresh() {
	sort.SliceStable(t.Messages, func(i, j int) bool {
		return t.Messages[i].SentAt.Before(t.Messages[j].SentAt)
	})

	t.Date = time.Time{}
	t.FolderIDs = t.FolderIDs[:0]
	seen := make(map[string]bool)
	for _, m := range t.Messages {
		m.ThreadID = t.ID
		if m.SentAt.After(t.Date) {
			t.Date = m.SentAt
		}
		for _, c := range m.Copies {
			if !seen[c.FolderID] {
				seen[c.FolderID] = true
				t.FolderIDs = append(t.FolderIDs, c.FolderID)
			}
		}
	}
}
