package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cobra "github.com/spf13/cobra"
	container "github.com/sveltereader/satmeter/internal/container"
	logger "github.com/sveltereader/satmeter/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the payment and wallet service",
	Long: `Start the HTTP service hosting the wallet endpoints, the payment
session API, and the WebSocket payment event stream.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	c, err := container.NewServiceContainer(cfg, V)
	if err != nil {
		return err
	}
	defer c.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Initialize(ctx); err != nil {
		return fmt.Errorf("startup checks failed: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      c.Router().Handler(),
		ReadTimeout:  time.Duration(cfg.Server.Timeout) * time.Second,
		WriteTimeout: 0, // WebSocket streams stay open indefinitely
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Payment service listening", "addr", addr)
		fmt.Printf("satmeter listening on http://%s\n", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down payment service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}
