package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/vdavid/wombat/internal/db"
	"github.com/vdavid/wombat/internal/models"
)

var addAccountCmd = &cobra.Command{
	Use:   "add-account",
	Short: "Store IMAP credentials; the password is read from WOMBAT_IMAP_PASSWORD",
	RunE:  runAddAccount,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database migrations",
	RunE:  runMigrate,
}

func init() {
	addAccountCmd.Flags().String("username", "", "IMAP username")
	addAccountCmd.Flags().String("host", "", "IMAP host")
	addAccountCmd.Flags().Int("port", 993, "IMAP port")
	addAccountCmd.Flags().Bool("tls", true, "use implicit TLS")
	_ = addAccountCmd.MarkFlagRequired("username")
	_ = addAccountCmd.MarkFlagRequired("host")

	migrateCmd.Flags().String("dir", "migrations", "directory holding the .up.sql files")

	rootCmd.AddCommand(addAccountCmd, migrateCmd)
}

func runAddAccount(cmd *cobra.Command, args []string) error {
	password := os.Getenv("WOMBAT_IMAP_PASSWORD")
	if password == "" {
		return fmt.Errorf("WOMBAT_IMAP_PASSWORD is required")
	}

	account := &models.Account{Password: password}
	account.Username, _ = cmd.Flags().GetString("username")
	account.Host, _ = cmd.Flags().GetString("host")
	account.Port, _ = cmd.Flags().GetInt("port")
	account.UseTLS, _ = cmd.Flags().GetBool("tls")

	if err := current.store.CreateAccount(cmd.Context(), account); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), account.ID)
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	applied, err := db.Migrate(cmd.Context(), current.pool, dir)
	for _, name := range applied {
		current.log.Info().Str("migration", name).Msg("applied")
	}
	return err
}
