package cmd

import (
	"errors"
	"fmt"

	cobra "github.com/spf13/cobra"
	container "github.com/sveltereader/satmeter/internal/container"
	domain "github.com/sveltereader/satmeter/internal/domain"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect payment sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List payment sessions, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		c, err := container.NewServiceContainer(cfg, V)
		if err != nil {
			return err
		}
		defer c.Shutdown()

		records, err := c.GetMeter().List(cmd.Context(), limit, 0)
		if err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("No payment sessions found")
			return nil
		}

		fmt.Printf("%-24s %-10s %10s %10s %10s\n", "SESSION", "STATUS", "BALANCE", "SPENT", "FACE")
		for _, record := range records {
			fmt.Printf("%-24s %-10s %10d %10d %10d\n",
				record.SessionID, record.Status, record.Balance, record.Spent, record.FaceValue)
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session's payment record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := container.NewServiceContainer(cfg, V)
		if err != nil {
			return err
		}
		defer c.Shutdown()

		record, err := c.GetMeter().Load(cmd.Context(), args[0])
		if err != nil {
			if errors.Is(err, domain.ErrSessionNotFound) {
				return fmt.Errorf("session %s not found", args[0])
			}
			return err
		}

		fmt.Printf("Session:        %s\n", record.SessionID)
		fmt.Printf("Status:         %s\n", record.Status)
		fmt.Printf("Face value:     %d sats\n", record.FaceValue)
		fmt.Printf("Balance:        %d sats\n", record.Balance)
		fmt.Printf("Spent:          %d sats\n", record.Spent)
		fmt.Printf("Top-ups:        %d\n", len(record.TopUps))
		fmt.Printf("Cost per op:    %d sats\n", record.CostPerOp)
		fmt.Printf("Redeemed:       %v\n", record.Redeemed)
		fmt.Printf("Refund claimed: %v\n", record.RefundClaimed)
		if record.RefundToken != "" {
			fmt.Printf("Refund token:\n%s\n", record.RefundToken)
		}
		return nil
	},
}

func init() {
	sessionsListCmd.Flags().Int("limit", 20, "maximum number of sessions to list")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	rootCmd.AddCommand(sessionsCmd)
}
