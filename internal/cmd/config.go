package cmd

import (
	"fmt"

	"github.com/bounceproto/bounce/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage bounce configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file with defaults",
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  `Print the effective configuration after merging defaults, the config file, and environment overrides.`,
	RunE:  runConfigShow,
}

var configInitPath string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	configInitCmd.Flags().StringVar(&configInitPath, "path", "", "target path (default is the user config file)")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configInitPath
	if path == "" {
		path = config.ConfigFile()
	}
	if err := config.WriteDefault(path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(map[string]interface{}{
		"debate":  cfg.Debate,
		"agents":  cfg.Agents,
		"lock":    cfg.Lock,
		"logging": cfg.Logging,
	})
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}
