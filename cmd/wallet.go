package cmd

import (
	"fmt"
	"strconv"
	"strings"

	cobra "github.com/spf13/cobra"
	services "github.com/sveltereader/satmeter/internal/services"
)

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Operate the ecash hot wallet",
}

var walletBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the settled wallet balance",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := services.NewWalletHTTPClient(cfg.Wallet)
		balance, err := client.Balance(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Balance: %d sats\n", balance)
		return nil
	},
}

var walletSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Sweep all funds into a single token",
	Long: `Create a cashu token containing the entire wallet balance.

WARNING: this removes the funds from the hot wallet. Store the printed
token safely; it is the money.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := services.NewWalletHTTPClient(cfg.Wallet)
		result, err := client.Sweep(cmd.Context())
		if err != nil {
			if strings.Contains(err.Error(), "No funds to sweep") {
				fmt.Println("No funds to sweep")
				return nil
			}
			return err
		}

		fmt.Printf("Swept %d sats\n\n", result.Amount)
		fmt.Println("============================================================")
		fmt.Println("SWEEP TOKEN - copy this to recover funds:")
		fmt.Println("============================================================")
		fmt.Println(result.Token)
		fmt.Println("============================================================")
		return nil
	},
}

var walletSendCmd = &cobra.Command{
	Use:   "send <amount>",
	Short: "Create a send token for a specific amount",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || amount <= 0 {
			return fmt.Errorf("amount must be a positive integer (sats)")
		}

		client := services.NewWalletHTTPClient(cfg.Wallet)
		token, err := client.Send(cmd.Context(), amount)
		if err != nil {
			return err
		}

		fmt.Printf("Created token worth %d sats:\n\n%s\n", amount, token)
		return nil
	},
}

func init() {
	walletCmd.AddCommand(walletBalanceCmd)
	walletCmd.AddCommand(walletSweepCmd)
	walletCmd.AddCommand(walletSendCmd)
	rootCmd.AddCommand(walletCmd)
}
