package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dayuer/agentbus/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	path := config.GetConfigPath()
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
		return nil
	}

	if err := config.Save(config.DefaultConfig(), path); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Printf("✅ Wrote default config: %s\n", path)
	fmt.Println("Edit store.url to point at your Redis instance, then run: agentbus serve")
	return nil
}
