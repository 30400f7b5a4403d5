package app

import (
	"fmt"
	"io"

	"github.com/kit-data-manager/nmr-fairdos/pipeline"
	"github.com/kit-data-manager/nmr-fairdos/repository"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func NewCmdReindex(out io.Writer, logger logrus.FieldLogger, config *Config) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "buildelastic",
		Short: "Send PID records to Elasticsearch",
		Long: `Send PID records to Elasticsearch.

The records are read from a file or an s3:// object holding a JSON list of
records. Without --from-file every record known to the Typed PID-Maker is
indexed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := interruptible()
			defer cancel()

			p, closer, err := newPipeline(ctx, logger, config, nil)
			if err != nil {
				return err
			}
			defer closer()

			records, err := p.Reindex(ctx, source)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "Indexed %d PID records.\n", len(records))
			return err
		},
	}

	cmd.Flags().StringVarP(&source, "from-file", "f", "", "File or s3:// URI of the records")

	return cmd
}

func NewCmdInspect(out io.Writer, logger logrus.FieldLogger, config *Config) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Find the biggest and the most informative PID record",
		RunE: func(cmd *cobra.Command, args []string) error {
			if source == "" {
				return errors.New("parameter empty: --file")
			}
			ctx, cancel := interruptible()
			defer cancel()

			artifacts, err := newArtifacts(logger, config)
			if err != nil {
				return err
			}
			// Inspecting only reads and writes artifacts.
			p := pipeline.New(logger, repository.NewRegistry(), nil, nil, nil, nil, artifacts, nil)

			biggest, most, err := p.Inspect(ctx, source)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Biggest FDO: %s (%s)\n", biggest.PID, artifacts.Path(pipeline.BiggestArtifact))
			_, err = fmt.Fprintf(out, "Most informative FDO: %s (%s)\n", most.PID, artifacts.Path(pipeline.MostInformedArtifact))
			return err
		},
	}

	cmd.Flags().StringVarP(&source, "file", "f", "", "File or s3:// URI of the records, e.g. pid_records_all.json")

	return cmd
}
