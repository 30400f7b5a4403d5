package app

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/kit-data-manager/nmr-fairdos/pipeline"
	"github.com/kit-data-manager/nmr-fairdos/version"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func NewCmdServer(logger logrus.FieldLogger, config *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.WithField("v", version.VERSION).Info("Starting server...")
			return doServer(logger, config)
		},
	}
}

func doServer(logger logrus.FieldLogger, config *Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	p, closer, err := newPipeline(ctx, logger, config, reg)
	if err != nil {
		return err
	}
	defer closer()

	var g run.Group
	{
		ln, err := net.Listen("tcp", config.Server.Addr)
		if err != nil {
			return err
		}
		logger.WithField("addr", ln.Addr().String()).Info("HTTP server listening")

		srv := &http.Server{Handler: newRouter(ctx, logger.WithField("component", "api"), p, reg)}
		g.Add(func() error {
			if err := srv.Serve(ln); err != http.ErrServerClosed {
				return err
			}
			return nil
		}, func(error) {
			// Runs in progress are canceled.
			cancel()
			shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			defer done()
			srv.Shutdown(shutdownCtx)
		})
	}
	{
		stop := make(chan struct{})

		g.Add(func() error {
			err := interrupt(stop, func() { logRuns(ctx, logger, p) })
			logger.Warn("Shutting down...")
			return err
		}, func(error) {
			close(stop)
		})
	}

	return g.Run()
}

func logRuns(ctx context.Context, logger logrus.FieldLogger, p *pipeline.Pipeline) {
	runs, err := p.LastRuns(ctx)
	if err != nil {
		logger.WithError(err).Error("Error reading runs")
		return
	}
	for _, r := range runs {
		logger.WithFields(logrus.Fields{
			"repository": r.Repository,
			"run":        r.ID.String(),
			"start":      r.Start,
			"end":        r.End,
			"finished":   r.FinishedAt,
			"records":    r.Records,
			"failures":   r.Failures,
		}).Info("Last run")
	}
}
