package app

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func NewCmdConfig(out io.Writer, config *Config) *cobra.Command {
	var defaults bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if defaults {
				_, err := fmt.Fprint(out, defaultConfig)
				return err
			}
			return doConfig(out, config)
		},
	}

	cmd.Flags().BoolVar(&defaults, "defaults", false, "Print the commented default configuration instead")

	return cmd
}

func doConfig(out io.Writer, config *Config) error {
	if err := config.ValidatePipeline(); err != nil {
		fmt.Fprintf(out, "# WARNING: %v\n", err)
	}
	_, err := fmt.Fprintf(out, "%s", config)
	return err
}
