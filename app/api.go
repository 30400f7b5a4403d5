package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kit-data-manager/nmr-fairdos/pidrecord"
	"github.com/kit-data-manager/nmr-fairdos/pipeline"
	"github.com/kit-data-manager/nmr-fairdos/repository"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/schema"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// runner is the part of the pipeline exposed over HTTP.
type runner interface {
	Create(ctx context.Context, opts pipeline.CreateOptions) ([]*pidrecord.Record, error)
	Retry(ctx context.Context, name string, dryRun bool) ([]*pidrecord.Record, error)
}

var _ runner = (*pipeline.Pipeline)(nil)

type runQuery struct {
	Start  string `schema:"start"`
	End    string `schema:"end"`
	DryRun bool   `schema:"dryrun"`
}

type api struct {
	logger  logrus.FieldLogger
	runner  runner
	decoder *schema.Decoder
	now     func() time.Time
}

// newRouter returns the HTTP API. Runs are tied to the server context
// rather than the request so that a client disconnecting does not abort
// them half-way.
func newRouter(ctx context.Context, logger logrus.FieldLogger, r runner, gatherer prometheus.Gatherer) http.Handler {
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	a := &api{logger: logger, runner: r, decoder: decoder, now: time.Now}

	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	// Health check.
	mux.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	// Prometheus metrics.
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.Get("/createAll/{repo}", func(w http.ResponseWriter, r *http.Request) {
		a.create(ctx, w, r)
	})
	mux.Get("/retry/{repo}", func(w http.ResponseWriter, r *http.Request) {
		a.retry(ctx, w, r)
	})

	return mux
}

func (a *api) create(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "repo")
	q := runQuery{}
	if err := a.decoder.Decode(&q, r.URL.Query()); err != nil {
		a.fail(w, http.StatusBadRequest, err)
		return
	}
	start, end, err := timeFrame(q.Start, q.End, a.now())
	if err != nil {
		a.fail(w, http.StatusBadRequest, err)
		return
	}

	records, err := a.runner.Create(ctx, pipeline.CreateOptions{
		Repositories: []string{repo},
		Start:        start,
		End:          end,
		DryRun:       q.DryRun,
	})
	a.respond(w, repo, records, err)
}

func (a *api) retry(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "repo")
	q := runQuery{}
	if err := a.decoder.Decode(&q, r.URL.Query()); err != nil {
		a.fail(w, http.StatusBadRequest, err)
		return
	}
	records, err := a.runner.Retry(ctx, repo, q.DryRun)
	a.respond(w, repo, records, err)
}

func (a *api) respond(w http.ResponseWriter, repo string, records []*pidrecord.Record, err error) {
	switch {
	case err == nil:
	case err == pipeline.ErrBusy:
		a.fail(w, http.StatusConflict, err)
		return
	case errors.Cause(err) == repository.ErrUnknownRepository:
		a.fail(w, http.StatusNotFound, err)
		return
	case errors.Cause(err) == repository.ErrInvalidTimeFrame:
		a.fail(w, http.StatusBadRequest, err)
		return
	default:
		a.logger.WithError(err).WithField("repository", repo).Error("Run failed")
		a.fail(w, http.StatusInternalServerError, err)
		return
	}

	a.logger.WithFields(logrus.Fields{"repository": repo, "records": len(records)}).Info("Created PID records")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(records); err != nil {
		a.logger.WithError(err).Warn("Error writing response")
	}
}

func (a *api) fail(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
