package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/inspector/internal/codec"
	"firestige.xyz/inspector/internal/config"
)

var familiesCmd = &cobra.Command{
	Use:   "families [name...]",
	Short: "Print the packet families known to the configuration",
	Long: `Print the packet families built from the configuration as YAML.

The output can be used as a families file. With no arguments every
registered family is printed.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runFamilies(configFile, args, os.Stdout); err != nil {
			exitWithError("failed to list families", err)
		}
	},
}

func runFamilies(path string, names []string, w io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	registry, err := cfg.Codec.Registry()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		names = registry.Names()
	}

	out := struct {
		Families []codec.FamilySpec `yaml:"families"`
	}{}
	for _, name := range names {
		f, err := registry.Get(name)
		if err != nil {
			return err
		}
		out.Families = append(out.Families, f.Spec())
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("failed to encode families: %w", err)
	}
	return enc.Close()
}
