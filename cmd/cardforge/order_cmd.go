package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cardforge/cardforge/internal/client"
	"github.com/cardforge/cardforge/internal/models"
)

var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Manage orders",
}

var (
	orderConfigPath string
	orderMedia      string
	orderQuantity   int
	orderMediaSize  int64
	orderChannel    string
	orderRecipient  string
	orderStatus     string
)

func init() {
	submitCmd.Flags().StringVar(&orderConfigPath, "config", "", "path to the image configuration file")
	submitCmd.Flags().StringVar(&orderMedia, "media", "physical", "media type: physical or virtual")
	submitCmd.Flags().IntVar(&orderQuantity, "quantity", 1, "number of cards to write")
	submitCmd.Flags().Int64Var(&orderMediaSize, "size", 8<<30, "media size in bytes")
	submitCmd.Flags().StringVar(&orderChannel, "channel", "cli", "order channel")
	submitCmd.Flags().StringVar(&orderRecipient, "recipient", "", "recipient as name:email")
	submitCmd.MarkFlagRequired("config")

	ordersListCmd.Flags().StringVar(&orderStatus, "status", "", "filter by order status")

	orderCmd.AddCommand(submitCmd)
	orderCmd.AddCommand(ordersListCmd)
	orderCmd.AddCommand(orderGetCmd)
	orderCmd.AddCommand(orderCancelCmd)
	orderCmd.AddCommand(orderShipCmd)
}

func apiClient() *client.Client {
	return client.New(apiAddr, client.Credentials{Username: username, Password: password})
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var submitCmd = &cobra.Command{
	Use:   "create",
	Short: "Submit a new order",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := os.ReadFile(orderConfigPath)
		if err != nil {
			return err
		}
		req := models.OrderRequest{
			Channel:   orderChannel,
			Config:    string(cfg),
			MediaType: models.MediaType(orderMedia),
			MediaSize: orderMediaSize,
			Quantity:  orderQuantity,
		}
		if orderRecipient != "" {
			name, email, _ := splitPair(orderRecipient)
			req.Recipient = models.Recipient{Name: name, Email: email}
		}
		order, err := apiClient().CreateOrder(context.Background(), req)
		if err != nil {
			return err
		}
		return printJSON(order)
	},
}

var ordersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List orders",
	RunE: func(cmd *cobra.Command, args []string) error {
		orders, err := apiClient().ListOrders(context.Background(), models.OrderStatus(orderStatus))
		if err != nil {
			return err
		}
		for _, o := range orders {
			fmt.Printf("%s  %-16s  %s x%d  %s\n", o.ID, o.Status, o.MediaType, o.Quantity, o.Channel)
		}
		return nil
	},
}

var orderGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		order, err := apiClient().GetOrder(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(order)
	},
}

var orderCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a running order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		order, err := apiClient().CancelOrder(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(order)
	},
}

var orderShipCmd = &cobra.Command{
	Use:   "ship <id>",
	Short: "Mark a pending_shipment order as shipped",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		order, err := apiClient().MarkShipped(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(order)
	},
}

func splitPair(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}
