package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/inspector/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Validate the configuration file without starting the inspector.

Environment overrides (INSPECTOR_*) and a .env file next to the config
are applied exactly as they are at startup.

Examples:
  inspector validate -c configs/inspector.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(configFile, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

func runValidate(path string, w io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "VALID: %s -> %s, families %s/%s, save format %s\n",
		cfg.Listen,
		cfg.Upstream,
		cfg.Codec.InboundFamily,
		cfg.Codec.OutboundFamily,
		cfg.Save.Format,
	)
	return nil
}
