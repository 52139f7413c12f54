package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/wombat/internal/models"
)

// ErrFolderNotFound is returned when a requested folder cannot be found.
var ErrFolderNotFound = errors.New("folder not found")

const folderColumns = `id, account_id, name, parent_id, role, has_children, no_select, total, unread`

// UpsertFolder inserts the folder or updates the one with the same account and name.
// Counts are left alone on update; they are refreshed by UpdateFolderCounts.
func UpsertFolder(ctx context.Context, pool *pgxpool.Pool, folder *models.Folder) error {
	err := pool.QueryRow(ctx, `
		INSERT INTO folders (account_id, name, parent_id, role, has_children, no_select)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, name) DO UPDATE SET
			parent_id = EXCLUDED.parent_id,
			role = EXCLUDED.role,
			has_children = EXCLUDED.has_children,
			no_select = EXCLUDED.no_select
		RETURNING id, total, unread
	`, folder.AccountID, folder.Name, folder.ParentID, string(folder.Role), folder.HasChildren, folder.NoSelect).Scan(
		&folder.ID,
		&folder.Total,
		&folder.Unread,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert folder %s: %w", folder.Name, err)
	}

	return nil
}

// GetFolder returns a folder by id.
func GetFolder(ctx context.Context, pool *pgxpool.Pool, folderID string) (*models.Folder, error) {
	row := pool.QueryRow(ctx, `SELECT `+folderColumns+` FROM folders WHERE id = $1`, folderID)
	return getFolder(row)
}

// GetFolderByName returns the folder with the given full name.
func GetFolderByName(ctx context.Context, pool *pgxpool.Pool, accountID, name string) (*models.Folder, error) {
	row := pool.QueryRow(ctx, `SELECT `+folderColumns+` FROM folders WHERE account_id = $1 AND name = $2`, accountID, name)
	return getFolder(row)
}

func getFolder(row pgx.Row) (*models.Folder, error) {
	folder, err := scanFolder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFolderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	return folder, nil
}

// ListFolders returns every folder of the account ordered by name.
func ListFolders(ctx context.Context, pool *pgxpool.Pool, accountID string) ([]*models.Folder, error) {
	return queryFolders(ctx, pool, `SELECT `+folderColumns+` FROM folders WHERE account_id = $1 ORDER BY name`, accountID)
}

// ListChildFolders returns the direct children of a folder, or the top-level
// folders when parentID is nil.
func ListChildFolders(ctx context.Context, pool *pgxpool.Pool, accountID string, parentID *string) ([]*models.Folder, error) {
	return queryFolders(ctx, pool, `
		SELECT `+folderColumns+` FROM folders
		WHERE account_id = $1 AND parent_id IS NOT DISTINCT FROM $2
		ORDER BY name
	`, accountID, parentID)
}

func queryFolders(ctx context.Context, pool *pgxpool.Pool, sql string, args ...any) ([]*models.Folder, error) {
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	defer rows.Close()

	var folders []*models.Folder
	for rows.Next() {
		folder, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		folders = append(folders, folder)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating folders: %w", err)
	}

	return folders, nil
}

// DeleteFolder removes a folder. Copies in it are removed by the cascade.
func DeleteFolder(ctx context.Context, pool *pgxpool.Pool, folderID string) error {
	if _, err := pool.Exec(ctx, `DELETE FROM folders WHERE id = $1`, folderID); err != nil {
		return fmt.Errorf("failed to delete folder: %w", err)
	}
	return nil
}

// UpdateFolderCounts stores the message counts reported by the server.
func UpdateFolderCounts(ctx context.Context, pool *pgxpool.Pool, folderID string, total, unread int) error {
	tag, err := pool.Exec(ctx, `UPDATE folders SET total = $2, unread = $3 WHERE id = $1`, folderID, total, unread)
	if err != nil {
		return fmt.Errorf("failed to update folder counts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFolderNotFound
	}
	return nil
}

// CopyUIDs returns the UIDs of every locally known copy in the folder.
func CopyUIDs(ctx context.Context, pool *pgxpool.Pool, folderID string) ([]uint32, error) {
	rows, err := pool.Query(ctx, `SELECT uid FROM message_copies WHERE folder_id = $1 ORDER BY uid`, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get copy uids: %w", err)
	}
	defer rows.Close()

	var uids []uint32
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("failed to scan uid: %w", err)
		}
		uids = append(uids, uint32(uid))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating uids: %w", err)
	}

	return uids, nil
}

func scanFolder(row pgx.Row) (*models.Folder, error) {
	var f models.Folder
	var role string
	err := row.Scan(
		&f.ID,
		&f.AccountID,
		&f.Name,
		&f.ParentID,
		&role,
		&f.HasChildren,
		&f.NoSelect,
		&f.Total,
		&f.Unread,
	)
	if err != nil {
		return nil, err
	}
	f.Role = models.Role(role)
	return &f, nil
}
