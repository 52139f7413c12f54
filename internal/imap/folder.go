package imap

import (
	"github.com/emersion/go-imap"
)

// ListFolders lists the folders matching pattern under ref, one LIST command.
func (s *clientSession) ListFolders(ref, pattern string) ([]FolderInfo, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- s.client.List(ref, pattern, mailboxes)
	}()

	var folders []FolderInfo
	for m := range mailboxes {
		folders = append(folders, FolderInfo{
			Name:       m.Name,
			Delimiter:  m.Delimiter,
			Attributes: m.Attributes,
		})
	}

	if err := <-done; err != nil {
		return nil, &ProtocolError{Command: "LIST " + ref + pattern, Err: err}
	}

	return folders, nil
}

// FolderStatus asks for message counts without selecting the folder.
func (s *clientSession) FolderStatus(name string) (*FolderStatus, error) {
	items := []imap.StatusItem{
		imap.StatusMessages,
		imap.StatusUidNext,
		imap.StatusUidValidity,
		imap.StatusUnseen,
	}

	mbox, err := s.client.Status(name, items)
	if err != nil {
		return nil, &ProtocolError{Command: "STATUS", Folder: name, Err: err}
	}

	return &FolderStatus{
		Name:        name,
		Total:       int(mbox.Messages),
		Unread:      int(mbox.Unseen),
		NextUID:     mbox.UidNext,
		UIDValidity: mbox.UidValidity,
	}, nil
}
