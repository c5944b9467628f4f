package cmd

import (
	"fmt"
	"os"

	cobra "github.com/spf13/cobra"
	viper "github.com/spf13/viper"
	gotenv "github.com/subosito/gotenv"
	config "github.com/sveltereader/satmeter/config"
	logger "github.com/sveltereader/satmeter/internal/logger"
)

// V is the global viper instance shared by subcommands
var V *viper.Viper

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "satmeter",
	Short: "Streaming ecash micropayments for LLM agents",
	Long: `satmeter meters LLM agent sessions against Cashu ecash tokens:
it validates a bearer token without spending it, deducts a fixed cost
per agent iteration, suspends for a top-up when the balance runs out,
and redeems the token only after the work completed. It also hosts the
hot wallet service the redemption client settles against.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Use 'satmeter serve' to start the payment service or --help to see available commands.")
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", fmt.Sprintf("config file (default is %s)", config.DefaultConfigPath))
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")

	cobra.OnInitialize(initConfig)
}

func initConfig() {
	verbose, _ := rootCmd.PersistentFlags().GetBool("verbose")
	logger.Init(verbose)

	_ = gotenv.Load()

	configPath, _ := rootCmd.PersistentFlags().GetString("config")
	V = config.NewViper(configPath)

	loaded, err := config.LoadWithViper(V)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg = loaded
}
