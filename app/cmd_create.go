package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kit-data-manager/nmr-fairdos/fetch"
	"github.com/kit-data-manager/nmr-fairdos/pidrecord"
	"github.com/kit-data-manager/nmr-fairdos/pipeline"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type createOptions struct {
	repositories []string
	start        string
	end          string
	sinceLastRun bool
	dryRun       bool
}

func NewCmdCreate(out io.Writer, logger logrus.FieldLogger, config *Config) *cobra.Command {
	opts := &createOptions{}
	cmd := &cobra.Command{
		Use:   "createallavailable",
		Short: "Create FAIR-DOs for the resources of the repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doCreate(out, logger, config, opts)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.repositories, "repositories", "r", nil, "Repositories to harvest (default all)")
	cmd.Flags().StringVar(&opts.start, "start", "", "Start of the harvested time frame")
	cmd.Flags().StringVar(&opts.end, "end", "", "End of the harvested time frame")
	cmd.Flags().BoolVar(&opts.sinceLastRun, "since-last-run", false, "Harvest what changed since the last run")
	cmd.Flags().BoolVar(&opts.dryRun, "dryrun", false, "Do not write to the Typed PID-Maker or Elasticsearch")

	return cmd
}

func (o *createOptions) pipelineOptions() (pipeline.CreateOptions, error) {
	co := pipeline.CreateOptions{
		Repositories: o.repositories,
		SinceLastRun: o.sinceLastRun,
		DryRun:       o.dryRun,
	}
	start, end, err := timeFrame(o.start, o.end, time.Now())
	if err != nil {
		return co, err
	}
	co.Start, co.End = start, end
	return co, nil
}

// timeFrame parses the bounds of a harvest. A missing end defaults to now;
// without start the frame is empty.
func timeFrame(start, end string, now time.Time) (time.Time, time.Time, error) {
	if start == "" {
		if end != "" {
			return time.Time{}, time.Time{}, errors.New("end given without start")
		}
		return time.Time{}, time.Time{}, nil
	}
	s, err := fetch.ParseTime(start)
	if err != nil {
		return time.Time{}, time.Time{}, errors.Wrap(err, "invalid start")
	}
	e := now
	if end != "" {
		if e, err = fetch.ParseTime(end); err != nil {
			return time.Time{}, time.Time{}, errors.Wrap(err, "invalid end")
		}
	}
	return s, e, nil
}

func doCreate(out io.Writer, logger logrus.FieldLogger, config *Config, opts *createOptions) error {
	co, err := opts.pipelineOptions()
	if err != nil {
		return err
	}

	ctx, cancel := interruptible()
	defer cancel()

	p, closer, err := newPipeline(ctx, logger, config, nil)
	if err != nil {
		return err
	}
	defer closer()

	repos, err := p.Repositories().Select(co.Repositories...)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(repos))
	for _, repo := range repos {
		ids = append(ids, repo.ID())
	}

	records, err := p.Create(ctx, co)
	if err != nil {
		return err
	}
	return summary(out, records, ids)
}

func summary(out io.Writer, records []*pidrecord.Record, repos interface{}) error {
	if _, err := fmt.Fprintf(out, "Created PID records for %d resources in %v.\n", len(records), repos); err != nil {
		return err
	}
	_, err := fmt.Fprintln(out, "If errors occurred, please see error_*.json for details.")
	return err
}

func NewCmdRetry(out io.Writer, logger logrus.FieldLogger, config *Config) *cobra.Command {
	var (
		repo   string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "retryerrors",
		Short: "Extract again the resources that failed in earlier runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if repo == "" {
				return errors.New("parameter empty: --repository")
			}
			ctx, cancel := interruptible()
			defer cancel()

			p, closer, err := newPipeline(ctx, logger, config, nil)
			if err != nil {
				return err
			}
			defer closer()

			records, err := p.Retry(ctx, repo, dryRun)
			if err != nil {
				return err
			}
			return summary(out, records, repo)
		},
	}

	cmd.Flags().StringVarP(&repo, "repository", "r", "", "Repository whose failures are retried")
	cmd.Flags().BoolVar(&dryRun, "dryrun", false, "Do not write to the Typed PID-Maker or Elasticsearch")

	return cmd
}

// interruptible returns a context that is canceled on SIGINT or SIGTERM.
func interruptible() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(c)
		cancel()
	}
}
