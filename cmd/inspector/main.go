// Command inspector runs the gateway's detection and classification logic offline so operators can
// check a payload, a route or a signature without sending traffic.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/GoPolymarket/shieldgate/internal/config"
	"github.com/GoPolymarket/shieldgate/internal/pkg/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "inspector",
		Short: "Offline tools for the ShieldGate security pipeline",
		Long: `Inspect how the gateway would treat a request.

Examples:
  inspector scan "' OR 1=1 --"
  inspector scan --file body.json --path /api/documents/upload
  inspector classify POST /api/auth/login
  inspector signature --ip 203.0.113.7 --route /api/info --method GET`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level, _ := cmd.Flags().GetString("log-level")
			logger.Init(level)
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML); defaults to ./config.yaml when present")
	rootCmd.PersistentFlags().StringP("output", "o", "text", "Output format (text, json, yaml)")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newScanCmd(), newClassifyCmd(), newSignatureCmd())
	return rootCmd
}

// loadConfig reads the configuration named by --config, or the default search path.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// render writes v in the format chosen with --output. text falls back to the given printer.
func render(cmd *cobra.Command, v any, text func(w io.Writer) error) error {
	format, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	case "text", "":
		return text(out)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
