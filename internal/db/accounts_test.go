package db_test

import (
	"context"
	"errors"
	"testing"

	"github.com/vdavid/wombat/internal/db"
	"github.com/vdavid/wombat/internal/models"
	"github.com/vdavid/wombat/internal/testutil"
)

func createAccount(t *testing.T, ctx context.Context, store *db.Store, username string) *models.Account {
	t.Helper()
	account := &models.Account{
		Username: username,
		Password: "secret",
		Host:     "imap.example.com",
		Port:     993,
		UseTLS:   true,
		Healthy:  true,
	}
	if err := store.CreateAccount(ctx, account); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	return account
}

func TestAccounts(t *testing.T) {
	pool := testutil.NewTestDB(t)
	store := db.NewStore(pool)
	ctx := context.Background()

	account := createAccount(t, ctx, store, "alice@example.com")

	t.Run("creates and reads back", func(t *testing.T) {
		if account.ID == "" {
			t.Fatal("Expected account ID to be set")
		}

		got, err := store.GetAccount(ctx, account.ID)
		if err != nil {
			t.Fatalf("GetAccount failed: %v", err)
		}
		if got.Username != "alice@example.com" || got.Host != "imap.example.com" || got.Port != 993 || !got.UseTLS {
			t.Errorf("Unexpected account: %+v", got)
		}
		if got.Password != "secret" {
			t.Errorf("Expected password to round-trip")
		}
		if !got.Healthy {
			t.Error("Expected account to be healthy")
		}
	})

	t.Run("same username and host updates in place", func(t *testing.T) {
		again := &models.Account{Username: "alice@example.com", Password: "new", Host: "imap.example.com", Port: 143}
		if err := store.CreateAccount(ctx, again); err != nil {
			t.Fatalf("CreateAccount failed: %v", err)
		}
		if again.ID != account.ID {
			t.Errorf("Expected ID %s, got %s", account.ID, again.ID)
		}

		got, err := store.GetAccount(ctx, account.ID)
		if err != nil {
			t.Fatalf("GetAccount failed: %v", err)
		}
		if got.Password != "new" || got.Port != 143 {
			t.Errorf("Expected updated credentials, got %+v", got)
		}
	})

	t.Run("health flag", func(t *testing.T) {
		if err := store.SetAccountHealthy(ctx, account.ID, false); err != nil {
			t.Fatalf("SetAccountHealthy failed: %v", err)
		}
		got, err := store.GetAccount(ctx, account.ID)
		if err != nil {
			t.Fatalf("GetAccount failed: %v", err)
		}
		if got.Healthy {
			t.Error("Expected account to be unhealthy")
		}
	})

	t.Run("lists accounts", func(t *testing.T) {
		createAccount(t, ctx, store, "bob@example.com")

		accounts, err := store.ListAccounts(ctx)
		if err != nil {
			t.Fatalf("ListAccounts failed: %v", err)
		}
		if len(accounts) != 2 {
			t.Fatalf("Expected 2 accounts, got %d", len(accounts))
		}
		if accounts[0].ID != account.ID {
			t.Errorf("Expected oldest account first")
		}
	})

	t.Run("unknown account", func(t *testing.T) {
		_, err := store.GetAccount(ctx, "00000000-0000-0000-0000-000000000000")
		if !errors.Is(err, db.ErrAccountNotFound) {
			t.Errorf("Expected ErrAccountNotFound, got %v", err)
		}
		err = store.SetAccountHealthy(ctx, "00000000-0000-0000-0000-000000000000", true)
		if !errors.Is(err, db.ErrAccountNotFound) {
			t.Errorf("Expected ErrAccountNotFound, got %v", err)
		}
	})
}
