package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vdavid/wombat/internal/mailsync"
	"golang.org/x/sync/errgroup"
)

var checkMailCmd = &cobra.Command{
	Use:   "check-mail",
	Short: "Sync folders and messages of every account, or of the given ones",
	RunE:  runCheckMail,
}

var checkCredentialsCmd = &cobra.Command{
	Use:   "check-credentials",
	Short: "Log in once, store whether it worked and sync the folder tree",
	RunE:  runCheckCredentials,
}

func init() {
	checkMailCmd.Flags().StringSlice("account", nil, "account id to sync (repeatable)")
	checkCredentialsCmd.Flags().String("account", "", "account id")
	_ = checkCredentialsCmd.MarkFlagRequired("account")

	rootCmd.AddCommand(checkMailCmd, checkCredentialsCmd)
}

func runCheckMail(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ids, _ := cmd.Flags().GetStringSlice("account")
	if len(ids) == 0 {
		accounts, err := current.store.ListAccounts(ctx)
		if err != nil {
			return err
		}
		for _, a := range accounts {
			ids = append(ids, a.ID)
		}
	}

	// Accounts are independent; one account's folders are synced serially.
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(current.cfg.SyncConcurrency)
	errs := make([]error, len(ids))
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			err := current.svc.CheckMail(ctx, id)
			if errors.Is(err, mailsync.ErrAccountUnhealthy) {
				current.log.Info().Str("account", id).Msg("skipping unhealthy account")
				return nil
			}
			if err != nil {
				errs[i] = fmt.Errorf("account %s: %w", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

func runCheckCredentials(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, _ := cmd.Flags().GetString("account")

	healthy, err := current.svc.CheckCredentials(ctx, id)
	if err != nil {
		return err
	}
	if !healthy {
		return fmt.Errorf("credentials for account %s were rejected", id)
	}

	count, err := current.svc.SyncTree(ctx, id, mailsync.TreeOptions{})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "account %s is healthy, %d folders\n", id, count)
	return nil
}
