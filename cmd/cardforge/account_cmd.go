package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cardforge/cardforge/internal/models"
	"github.com/cardforge/cardforge/internal/store"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage API accounts (direct database access)",
}

var (
	accountDB   string
	accountRole string
)

func init() {
	accountCreateCmd.Flags().StringVar(&accountDB, "db", "cardforge.db", "path to the scheduler database")
	accountCreateCmd.Flags().StringVar(&accountRole, "role", "worker", "account role: worker or manager")

	accountCmd.AddCommand(accountCreateCmd)
}

var accountCreateCmd = &cobra.Command{
	Use:   "add <username> <password>",
	Short: "Create a worker or manager account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		role := models.AccountRole(accountRole)
		if role != models.RoleWorker && role != models.RoleManager {
			return fmt.Errorf("unknown role %q", accountRole)
		}

		s, err := store.Open(accountDB)
		if err != nil {
			return err
		}
		defer s.Close()

		account, err := s.CreateAccount(args[0], args[1], role)
		if err != nil {
			return err
		}
		fmt.Printf("created %s account %s\n", account.Role, account.Username)
		return nil
	},
}
