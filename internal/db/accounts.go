package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/wombat/internal/models"
)

// ErrAccountNotFound is returned when a requested account cannot be found.
var ErrAccountNotFound = errors.New("account not found")

const accountColumns = `id, username, password, host, port, use_tls, healthy, created_at, updated_at`

// CreateAccount inserts a new account, or updates the credentials of the
// existing account with the same username and host.
func CreateAccount(ctx context.Context, pool *pgxpool.Pool, account *models.Account) error {
	err := pool.QueryRow(ctx, `
		INSERT INTO accounts (username, password, host, port, use_tls, healthy)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (username, host) DO UPDATE SET
			password = EXCLUDED.password,
			port = EXCLUDED.port,
			use_tls = EXCLUDED.use_tls,
			updated_at = now()
		RETURNING id, healthy, created_at, updated_at
	`, account.Username, account.Password, account.Host, account.Port, account.UseTLS, account.Healthy).Scan(
		&account.ID,
		&account.Healthy,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

// GetAccount returns an account by id.
func GetAccount(ctx context.Context, pool *pgxpool.Pool, accountID string) (*models.Account, error) {
	row := pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID)

	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return account, nil
}

// ListAccounts returns every account, oldest first.
func ListAccounts(ctx context.Context, pool *pgxpool.Pool) ([]*models.Account, error) {
	rows, err := pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

// SetAccountHealthy records the outcome of a credentials check.
func SetAccountHealthy(ctx context.Context, pool *pgxpool.Pool, accountID string, healthy bool) error {
	tag, err := pool.Exec(ctx, `
		UPDATE accounts SET healthy = $2, updated_at = now() WHERE id = $1
	`, accountID, healthy)
	if err != nil {
		return fmt.Errorf("failed to update account health: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	return nil
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(
		&a.ID,
		&a.Username,
		&a.Password,
		&a.Host,
		&a.Port,
		&a.UseTLS,
		&a.Healthy,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
