package cli

import (
	"fmt"

	"github.com/harun/officeagent/pkg/toolserver"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Print the resolved tool server manifest",
	Long: `Print the tool servers started for each user, as YAML.
Uses the configured manifest, or the built-in gmail, calendar and call_agent
servers when none is set.`,
	RunE: runServers,
}

func init() {
	rootCmd.AddCommand(serversCmd)
}

func runServers(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	specs, err := toolserver.ResolveSpecs(cfg.ToolServers.Manifest, cfg.ToolServers.BaseDir)
	if err != nil {
		return fmt.Errorf("failed to resolve tool servers: %w", err)
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(toolserver.Manifest{Servers: specs})
}
