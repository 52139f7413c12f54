package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "Print the local folder tree of an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("account")
		tree, err := current.svc.FolderTree(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), tree)
	},
}

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Print one page of threads of a folder, or of the unified inbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		folderID, _ := cmd.Flags().GetString("folder")
		accounts, _ := cmd.Flags().GetStringSlice("account")
		page, _ := cmd.Flags().GetInt("page")

		if folderID != "" {
			result, err := current.svc.Directory(cmd.Context(), folderID, page)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		}
		if len(accounts) == 0 {
			return fmt.Errorf("either --folder or --account is required")
		}
		result, err := current.svc.UnifiedInbox(cmd.Context(), accounts, page)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}

var openCmd = &cobra.Command{
	Use:   "open THREAD_ID",
	Short: "Download missing bodies of a thread, mark it read and print it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		thread, err := current.svc.OpenThread(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), thread)
	},
}

var messageCmd = &cobra.Command{
	Use:   "message",
	Short: "Print the message stored at a folder and UID",
	RunE: func(cmd *cobra.Command, args []string) error {
		folderID, _ := cmd.Flags().GetString("folder")
		uid, _ := cmd.Flags().GetUint32("uid")
		msg, err := current.svc.MessageByUID(cmd.Context(), folderID, uid)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), msg)
	},
}

var markCmd = &cobra.Command{
	Use:       "mark THREAD_ID read|unread",
	Short:     "Set or clear the seen flag on every copy of a thread",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"read", "unread"},
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[1] {
		case "read":
			return current.svc.MarkRead(cmd.Context(), args[0])
		case "unread":
			return current.svc.MarkUnread(cmd.Context(), args[0])
		}
		return fmt.Errorf("unknown state %q, want read or unread", args[1])
	},
}

var moveCmd = &cobra.Command{
	Use:   "move THREAD_ID FOLDER",
	Short: "Move a thread into the named folder",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return current.svc.MoveTo(cmd.Context(), args[0], args[1])
	},
}

var trashCmd = &cobra.Command{
	Use:   "trash THREAD_ID",
	Short: "Move a thread to the trash, or delete it when it is already there",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return current.svc.MoveToTrash(cmd.Context(), args[0])
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete THREAD_ID",
	Short: "Permanently delete every copy of a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return current.svc.DeleteFromIMAP(cmd.Context(), args[0])
	},
}

func init() {
	foldersCmd.Flags().String("account", "", "account id")
	_ = foldersCmd.MarkFlagRequired("account")

	threadsCmd.Flags().String("folder", "", "folder id")
	threadsCmd.Flags().StringSlice("account", nil, "account ids for the unified inbox")
	threadsCmd.Flags().Int("page", 1, "page number, starting at 1")

	messageCmd.Flags().String("folder", "", "folder id")
	messageCmd.Flags().Uint32("uid", 0, "message UID")
	_ = messageCmd.MarkFlagRequired("folder")
	_ = messageCmd.MarkFlagRequired("uid")

	rootCmd.AddCommand(foldersCmd, threadsCmd, openCmd, messageCmd, markCmd, moveCmd, trashCmd, deleteCmd)
}
