package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cardforge",
	Short: "cardforge - image production control plane",
	Long:  `cardforge coordinates image builds, downloads, and card writes across a fleet of workers.`,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr  string
	username string
	password string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:8080", "scheduler API address")
	rootCmd.PersistentFlags().StringVar(&username, "username", os.Getenv("CARDFORGE_USERNAME"), "account username")
	rootCmd.PersistentFlags().StringVar(&password, "password", os.Getenv("CARDFORGE_PASSWORD"), "account password")

	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(orderCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
