package app

import (
	"fmt"
	"io"
	"runtime"

	"github.com/kit-data-manager/nmr-fairdos/version"

	"github.com/spf13/cobra"
)

func NewCmdVersion(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(out, "nmr_FAIR-DOs-cli %s (%s)\n", version.VERSION, runtime.Version())
			return err
		},
	}
}
