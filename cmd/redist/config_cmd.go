package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/redist/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long: `Inspect redist configuration. The config file is redist.yaml, searched for
in the working directory, the user config directory and /etc/redist.`,
		Example: `  redist config show
  redist config path`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigPathCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the effective configuration in YAML format: the loaded config
file, or the defaults, with command-line overrides applied.`,
		Example: `  redist config show
  redist config show --config /etc/redist/redist.yaml`,
		Args: cobra.NoArgs,
		RunE: configShowRun,
	}
}

func configShowRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	data, err := yaml.Marshal(globalCfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "Current Configuration:")
	fmt.Fprintln(w, "======================")
	fmt.Fprint(w, string(data))

	return nil
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show which config file is used and where files are searched for",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			if cfgPath != "" {
				fmt.Fprintf(w, "Using: %s\n", cfgPath)
			} else if found, err := config.FindConfigFile(); err == nil {
				fmt.Fprintf(w, "Using: %s\n", found)
			} else {
				fmt.Fprintln(w, "Using: built-in defaults")
			}
			fmt.Fprintln(w, "Search paths:")
			for _, p := range config.SearchPaths() {
				fmt.Fprintf(w, "  %s\n", p)
			}
		},
	}
}
