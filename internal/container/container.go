package container

import (
	"context"
	"fmt"

	"github.com/spf13/viper"
	"github.com/sveltereader/satmeter/config"
	"github.com/sveltereader/satmeter/internal/handlers"
	"github.com/sveltereader/satmeter/internal/infra/storage"
	"github.com/sveltereader/satmeter/internal/logger"
	"github.com/sveltereader/satmeter/internal/services"
)

// ServiceContainer manages all application dependencies.
// There is no lazily-initialized global state here: everything is
// constructed up front, fails fast, and is shut down explicitly.
type ServiceContainer struct {
	viper  *viper.Viper
	config *config.Config

	store     storage.SessionStore
	wallet    *services.WalletService
	validator *services.CashuValidator
	recovery  *services.RecoveryLog
	gateway   *services.ChannelFundingGateway
	meter     *services.Meter
	funding   *services.FundingCoordinator
	runner    *services.MeteredRunner
	chat      *services.ChatStepService
}

// NewServiceContainer wires the full dependency graph
func NewServiceContainer(cfg *config.Config, v *viper.Viper) (*ServiceContainer, error) {
	c := &ServiceContainer{viper: v, config: cfg}

	store, err := storage.NewStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session storage: %w", err)
	}
	c.store = store

	wallet, err := services.NewWalletService(cfg.Wallet, cfg.Payments.DevMode)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize wallet: %w", err)
	}
	c.wallet = wallet

	recovery, err := services.NewRecoveryLog(cfg.Recovery.Path)
	if err != nil {
		_ = store.Close()
		_ = wallet.Close()
		return nil, fmt.Errorf("failed to initialize recovery log: %w", err)
	}
	c.recovery = recovery

	c.validator = services.NewCashuValidator(cfg.Payments.DevMode)
	c.gateway = services.NewChannelFundingGateway()

	// The meter settles through the local wallet service directly when
	// this process hosts the wallet; a split deployment swaps in the
	// HTTP client via WithRemoteWallet.
	c.meter = services.NewMeter(c.store, c.validator, c.wallet, c.recovery, cfg.Payments)
	c.funding = services.NewFundingCoordinator(c.meter, c.gateway)
	c.runner = services.NewMeteredRunner(c.meter, c.funding, cfg.Payments.MaxOperations)
	c.chat = services.NewChatStepService(services.NewSDKClient(cfg.LLM), cfg.LLM)

	return c, nil
}

// WithRemoteWallet rewires the meter against a remote wallet service
// instead of the in-process one
func (c *ServiceContainer) WithRemoteWallet() {
	client := services.NewWalletHTTPClient(c.config.Wallet)
	c.meter = services.NewMeter(c.store, c.validator, client, c.recovery, c.config.Payments)
	c.funding = services.NewFundingCoordinator(c.meter, c.gateway)
	c.runner = services.NewMeteredRunner(c.meter, c.funding, c.config.Payments.MaxOperations)
}

// Initialize runs startup checks for stateful dependencies
func (c *ServiceContainer) Initialize(ctx context.Context) error {
	if err := c.store.Health(ctx); err != nil {
		return fmt.Errorf("session storage unhealthy: %w", err)
	}
	return c.wallet.Initialize(ctx)
}

// Shutdown releases all held resources
func (c *ServiceContainer) Shutdown() {
	if err := c.store.Close(); err != nil {
		logger.Error("Failed to close session storage", "error", err)
	}
	if err := c.wallet.Close(); err != nil {
		logger.Error("Failed to close wallet", "error", err)
	}
}

// Router builds the HTTP handler for the serve command
func (c *ServiceContainer) Router() *handlers.Router {
	walletHandler := handlers.NewWalletHandler(c.wallet)
	sessionHandler := handlers.NewSessionHandler(c.meter, c.gateway)
	runHandler := handlers.NewRunHandler(c.meter, c.runner, c.chat)
	eventsHandler := handlers.NewEventsHandler(c.gateway)
	return handlers.NewRouter(walletHandler, sessionHandler, runHandler, eventsHandler, c.store)
}

// GetConfig returns the loaded configuration
func (c *ServiceContainer) GetConfig() *config.Config { return c.config }

// GetViper returns the viper instance backing the configuration
func (c *ServiceContainer) GetViper() *viper.Viper { return c.viper }

// GetStore returns the session store
func (c *ServiceContainer) GetStore() storage.SessionStore { return c.store }

// GetWallet returns the hot wallet service
func (c *ServiceContainer) GetWallet() *services.WalletService { return c.wallet }

// GetMeter returns the metering state machine
func (c *ServiceContainer) GetMeter() *services.Meter { return c.meter }

// GetRunner returns the metered runner
func (c *ServiceContainer) GetRunner() *services.MeteredRunner { return c.runner }

// GetChatStepService returns the LLM step service
func (c *ServiceContainer) GetChatStepService() *services.ChatStepService { return c.chat }

// GetRecoveryLog returns the recovery log
func (c *ServiceContainer) GetRecoveryLog() *services.RecoveryLog { return c.recovery }
