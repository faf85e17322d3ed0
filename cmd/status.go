package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/dayuer/agentbus/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agentbus gateway status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	fmt.Println("🚌 agentbus Status")
	fmt.Println()
	fmt.Printf("Config: %s\n", config.GetConfigPath())
	fmt.Printf("Store: %s\n", cfg.Store.URL)
	fmt.Printf("Gateway: http://127.0.0.1:%d\n", cfg.Gateway.Port)

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health/ping", cfg.Gateway.Port))
	if err != nil {
		fmt.Println("\nGateway: not running ✗")
		return nil
	}
	defer resp.Body.Close()

	var ping struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Latency struct {
			Count   int     `json:"count"`
			Average float64 `json:"average"`
			Min     float64 `json:"min"`
			Max     float64 `json:"max"`
		} `json:"latency"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ping); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}

	fmt.Printf("\nStore health: %s\n", ping.Status)
	fmt.Printf("Probe: %s\n", ping.Message)
	if ping.Latency.Count > 0 {
		fmt.Printf("Latency (last %d probes): avg %.2fms, min %.2fms, max %.2fms\n",
			ping.Latency.Count, ping.Latency.Average, ping.Latency.Min, ping.Latency.Max)
	}
	return nil
}
