package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dayuer/agentbus/internal/bus"
	"github.com/dayuer/agentbus/internal/config"
	"github.com/dayuer/agentbus/internal/gateway"
	"github.com/dayuer/agentbus/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agentbus gateway",
	RunE:  runServe,
}

var servePort int

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Gateway port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if servePort != 0 {
		cfg.Gateway.Port = servePort
	}

	fmt.Printf("🚌 Starting agentbus gateway on port %d...\n", cfg.Gateway.Port)

	st, err := store.Open(store.Config{
		URL:      cfg.Store.URL,
		Password: cfg.Store.Password,
		DB:       cfg.Store.DB,
	})
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	defer st.Close()

	router := bus.NewMessageRouter(st)
	health := bus.NewHealthChecker(st, bus.HealthOptions{
		HealthyBelow:  time.Duration(cfg.Health.HealthyBelowMs) * time.Millisecond,
		DegradedBelow: time.Duration(cfg.Health.DegradedBelowMs) * time.Millisecond,
		WindowSize:    cfg.Health.WindowSize,
	})

	srv := gateway.NewServer(gateway.ServerConfig{
		Port:           cfg.Gateway.Port,
		APIKey:         cfg.Gateway.APIKey,
		Router:         router,
		Health:         health,
		HealthInterval: time.Duration(cfg.Health.IntervalSec) * time.Second,
		Lease:          time.Duration(cfg.Queue.LeaseSec) * time.Second,
		SweepInterval:  time.Duration(cfg.Queue.SweepIntervalSec) * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\n🛑 Shutting down...")
		srv.Stop()
		cancel()
	}()

	return srv.Start(ctx)
}
