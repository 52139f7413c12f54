package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/wombat/internal/models"
)

// ErrThreadNotFound is returned when a requested thread cannot be found.
var ErrThreadNotFound = errors.New("thread not found")

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// SaveThread writes the thread with all of its messages, copies and
// attachments in one transaction. Rows previously stored for the thread are
// replaced, and copies or messages the thread took over from another thread
// are moved. New rows get fresh ids.
func SaveThread(ctx context.Context, pool *pgxpool.Pool, thread *models.Thread) error {
	assignIDs(thread)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var folderIDs []string
	var uids []int64
	var messageIDs []string
	for _, m := range thread.Messages {
		messageIDs = append(messageIDs, m.ID)
		for _, c := range m.Copies {
			folderIDs = append(folderIDs, c.FolderID)
			uids = append(uids, int64(c.UID))
		}
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM message_copies
		WHERE (folder_id, uid) IN (SELECT f, u FROM unnest($1::uuid[], $2::bigint[]) AS x(f, u))
	`, folderIDs, uids); err != nil {
		return fmt.Errorf("failed to detach copies: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM messages WHERE thread_id = $1 OR id = ANY($2::uuid[])
	`, thread.ID, messageIDs); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	if thread.FolderIDs == nil {
		thread.FolderIDs = []string{}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO threads (id, account_id, date, folder_ids)
		VALUES ($1, $2, $3, $4::uuid[])
		ON CONFLICT (id) DO UPDATE SET
			date = EXCLUDED.date,
			folder_ids = EXCLUDED.folder_ids
	`, thread.ID, thread.AccountID, thread.Date, thread.FolderIDs); err != nil {
		return fmt.Errorf("failed to save thread: %w", err)
	}

	batch := &pgx.Batch{}
	for _, m := range thread.Messages {
		batch.Queue(`
			INSERT INTO messages (
				id, thread_id, message_id_header, in_reply_to, sent_at, subject, base_subject,
				from_address, sender, reply_to, to_addresses, cc_addresses, bcc_addresses,
				size, has_attachments, is_fetched, body_text, unsafe_body_html
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		`,
			m.ID, thread.ID, m.MessageIDHeader, m.InReplyTo, m.SentAt, m.Subject, m.BaseSubject,
			m.FromAddress, m.Sender, m.ReplyTo, nonNil(m.ToAddresses), nonNil(m.CCAddresses), nonNil(m.BCCAddresses),
			m.Size, m.HasAttachments, m.IsFetched, m.BodyText, m.UnsafeBodyHTML,
		)
		for i, c := range m.Copies {
			batch.Queue(`
				INSERT INTO message_copies (folder_id, uid, message_id, is_read, position)
				VALUES ($1, $2, $3, $4, $5)
			`, c.FolderID, int64(c.UID), m.ID, c.IsRead, i)
		}
		for i, a := range m.Attachments {
			batch.Queue(`
				INSERT INTO attachments (id, message_id, filename, mime_type, size_bytes, is_inline, content_id, position)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, a.ID, m.ID, a.Filename, a.MimeType, a.SizeBytes, a.IsInline, a.ContentID, i)
		}
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save messages: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit thread: %w", err)
	}

	return nil
}

func assignIDs(thread *models.Thread) {
	if thread.ID == "" {
		thread.ID = uuid.NewString()
	}
	for _, m := range thread.Messages {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		m.ThreadID = thread.ID
		for i := range m.Attachments {
			if m.Attachments[i].ID == "" {
				m.Attachments[i].ID = uuid.NewString()
			}
			m.Attachments[i].MessageID = m.ID
		}
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// DeleteThread removes a thread and, through the cascade, its messages.
func DeleteThread(ctx context.Context, pool *pgxpool.Pool, threadID string) error {
	if _, err := pool.Exec(ctx, `DELETE FROM threads WHERE id = $1`, threadID); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

// GetThread returns a thread with its messages, copies and attachments.
func GetThread(ctx context.Context, pool *pgxpool.Pool, threadID string) (*models.Thread, error) {
	threads, err := loadThreads(ctx, pool, []string{threadID})
	if err != nil {
		return nil, err
	}
	if len(threads) == 0 {
		return nil, ErrThreadNotFound
	}
	return threads[0], nil
}

// ThreadsForFolder returns every thread with at least one copy in the folder.
func ThreadsForFolder(ctx context.Context, pool *pgxpool.Pool, folderID string) ([]*models.Thread, error) {
	ids, err := queryIDs(ctx, pool, `
		SELECT id FROM threads WHERE folder_ids @> ARRAY[$1::uuid] ORDER BY date DESC, id
	`, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get threads for folder: %w", err)
	}
	return loadThreads(ctx, pool, ids)
}

// ThreadsPage returns threads touching any of the folders, newest first.
func ThreadsPage(ctx context.Context, pool *pgxpool.Pool, folderIDs []string, limit, offset int) ([]*models.Thread, error) {
	ids, err := queryIDs(ctx, pool, `
		SELECT id FROM threads
		WHERE folder_ids && $1::uuid[]
		ORDER BY date DESC, id
		LIMIT $2 OFFSET $3
	`, folderIDs, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get threads: %w", err)
	}
	return loadThreads(ctx, pool, ids)
}

// CountThreads returns the number of threads touching any of the folders.
func CountThreads(ctx context.Context, pool *pgxpool.Pool, folderIDs []string) (int, error) {
	var count int
	err := pool.QueryRow(ctx, `SELECT count(*) FROM threads WHERE folder_ids && $1::uuid[]`, folderIDs).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count threads: %w", err)
	}
	return count, nil
}

// ThreadIDsByMessageID returns the threads holding a message with the given Message-ID.
func ThreadIDsByMessageID(ctx context.Context, pool *pgxpool.Pool, accountID, messageID string) ([]string, error) {
	ids, err := queryIDs(ctx, pool, `
		SELECT t.id FROM threads t
		JOIN messages m ON m.thread_id = t.id
		WHERE t.account_id = $1 AND m.message_id_header = $2
		GROUP BY t.id, t.date
		ORDER BY t.date DESC, t.id
	`, accountID, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to find threads by message id: %w", err)
	}
	return ids, nil
}

// ThreadIDsByInReplyTo returns the threads holding a message that replies to the given Message-ID.
func ThreadIDsByInReplyTo(ctx context.Context, pool *pgxpool.Pool, accountID, inReplyTo string) ([]string, error) {
	ids, err := queryIDs(ctx, pool, `
		SELECT t.id FROM threads t
		JOIN messages m ON m.thread_id = t.id
		WHERE t.account_id = $1 AND m.in_reply_to = $2
		GROUP BY t.id, t.date
		ORDER BY t.date DESC, t.id
	`, accountID, inReplyTo)
	if err != nil {
		return nil, fmt.Errorf("failed to find threads by in-reply-to: %w", err)
	}
	return ids, nil
}

// LatestThreadIDBySubject returns the most recent thread with a message whose
// base subject matches, or "" when there is none.
func LatestThreadIDBySubject(ctx context.Context, pool *pgxpool.Pool, accountID, baseSubject string) (string, error) {
	var id string
	err := pool.QueryRow(ctx, `
		SELECT t.id FROM threads t
		JOIN messages m ON m.thread_id = t.id
		WHERE t.account_id = $1 AND m.base_subject = $2
		ORDER BY t.date DESC, t.id
		LIMIT 1
	`, accountID, baseSubject).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find thread by subject: %w", err)
	}
	return id, nil
}

// ThreadIDsForCopies returns the threads owning any of the copies at (folderID, uid).
func ThreadIDsForCopies(ctx context.Context, pool *pgxpool.Pool, folderID string, uids []uint32) ([]string, error) {
	wide := make([]int64, len(uids))
	for i, uid := range uids {
		wide[i] = int64(uid)
	}

	ids, err := queryIDs(ctx, pool, `
		SELECT DISTINCT m.thread_id FROM message_copies c
		JOIN messages m ON m.id = c.message_id
		WHERE c.folder_id = $1 AND c.uid = ANY($2::bigint[])
	`, folderID, wide)
	if err != nil {
		return nil, fmt.Errorf("failed to find threads for copies: %w", err)
	}
	return ids, nil
}

func queryIDs(ctx context.Context, q querier, sql string, args ...any) ([]string, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// loadThreads fetches full threads, keeping the order of ids. Unknown ids are skipped.
func loadThreads(ctx context.Context, q querier, ids []string) ([]*models.Thread, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	byID := make(map[string]*models.Thread, len(ids))
	rows, err := q.Query(ctx, `
		SELECT id, account_id, date, folder_ids FROM threads WHERE id = ANY($1::uuid[])
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get threads: %w", err)
	}
	for rows.Next() {
		var t models.Thread
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Date, &t.FolderIDs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		t.Date = t.Date.UTC()
		byID[t.ID] = &t
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating threads: %w", err)
	}

	messages, err := loadMessages(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for _, m := range messages {
		if t := byID[m.ThreadID]; t != nil {
			t.Messages = append(t.Messages, m)
		}
	}

	threads := make([]*models.Thread, 0, len(byID))
	for _, id := range ids {
		if t := byID[id]; t != nil {
			threads = append(threads, t)
		}
	}
	return threads, nil
}

func loadMessages(ctx context.Context, q querier, threadIDs []string) ([]*models.Message, error) {
	rows, err := q.Query(ctx, `
		SELECT
			id, thread_id, message_id_header, in_reply_to, sent_at, subject, base_subject,
			from_address, sender, reply_to, to_addresses, cc_addresses, bcc_addresses,
			size, has_attachments, is_fetched, body_text, unsafe_body_html
		FROM messages
		WHERE thread_id = ANY($1::uuid[])
		ORDER BY sent_at, id
	`, threadIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	var messages []*models.Message
	byID := make(map[string]*models.Message)
	for rows.Next() {
		var m models.Message
		var sentAt time.Time
		if err := rows.Scan(
			&m.ID, &m.ThreadID, &m.MessageIDHeader, &m.InReplyTo, &sentAt, &m.Subject, &m.BaseSubject,
			&m.FromAddress, &m.Sender, &m.ReplyTo, &m.ToAddresses, &m.CCAddresses, &m.BCCAddresses,
			&m.Size, &m.HasAttachments, &m.IsFetched, &m.BodyText, &m.UnsafeBodyHTML,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.SentAt = sentAt.UTC()
		messages = append(messages, &m)
		byID[m.ID] = &m
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	if len(messages) == 0 {
		return messages, nil
	}

	messageIDs := make([]string, 0, len(messages))
	for _, m := range messages {
		messageIDs = append(messageIDs, m.ID)
	}

	rows, err = q.Query(ctx, `
		SELECT message_id, folder_id, uid, is_read FROM message_copies
		WHERE message_id = ANY($1::uuid[])
		ORDER BY message_id, position
	`, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get copies: %w", err)
	}
	for rows.Next() {
		var messageID string
		var c models.Copy
		var uid int64
		if err := rows.Scan(&messageID, &c.FolderID, &uid, &c.IsRead); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan copy: %w", err)
		}
		c.UID = uint32(uid)
		if m := byID[messageID]; m != nil {
			m.Copies = append(m.Copies, c)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating copies: %w", err)
	}

	rows, err = q.Query(ctx, `
		SELECT id, message_id, filename, mime_type, size_bytes, is_inline, content_id FROM attachments
		WHERE message_id = ANY($1::uuid[])
		ORDER BY message_id, position
	`, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Filename, &a.MimeType, &a.SizeBytes, &a.IsInline, &a.ContentID); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		if m := byID[a.MessageID]; m != nil {
			m.Attachments = append(m.Attachments, a)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachments: %w", err)
	}

	return messages, nil
}
