// Package pipeline turns harvested resources into registered and indexed
// FAIR-DOs.
package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kit-data-manager/nmr-fairdos/elastic"
	"github.com/kit-data-manager/nmr-fairdos/pidrecord"
	"github.com/kit-data-manager/nmr-fairdos/repository"
	"github.com/kit-data-manager/nmr-fairdos/state"
	"github.com/kit-data-manager/nmr-fairdos/tpm"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrBusy is returned when a run is started while another one is executing.
var ErrBusy = errors.New("a run is already in progress")

// Validator checks records before they are registered.
type Validator interface {
	ValidateRecord(r *pidrecord.Record) error
}

// ErrorReport describes a failure of a run. The reports are written to the
// errors artifacts.
type ErrorReport struct {
	URL       string    `json:"url,omitempty"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// CreateOptions selects what Create harvests.
type CreateOptions struct {
	// Repositories are the names of the repositories, all when empty.
	Repositories []string

	// Start and End delimit the harvested time frame. Both must be set to
	// take effect.
	Start time.Time
	End   time.Time

	// SinceLastRun harvests from the end of the last recorded run of each
	// repository until now. It is ignored when Start and End are set.
	SinceLastRun bool

	// DryRun skips every write to the Typed PID-Maker and Elasticsearch.
	DryRun bool
}

// Pipeline coordinates repositories, the Typed PID-Maker, Elasticsearch and
// the state store.
type Pipeline struct {
	logger    logrus.FieldLogger
	repos     *repository.Registry
	tpm       tpm.Service
	index     elastic.Index
	storage   state.Storage
	validator Validator
	artifacts *Artifacts
	metrics   *Metrics
	now       func() time.Time
	running   int32
}

func New(
	logger logrus.FieldLogger,
	repos *repository.Registry,
	tpm tpm.Service,
	index elastic.Index,
	storage state.Storage,
	validator Validator,
	artifacts *Artifacts,
	metrics *Metrics) *Pipeline {

	if metrics == nil {
		metrics, _ = NewMetrics(nil)
	}
	return &Pipeline{
		logger:    logger,
		repos:     repos,
		tpm:       tpm,
		index:     index,
		storage:   storage,
		validator: validator,
		artifacts: artifacts,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Repositories returns the registry the pipeline harvests.
func (p *Pipeline) Repositories() *repository.Registry {
	return p.repos
}

// LastRuns returns the last finished run of every repository that has one.
func (p *Pipeline) LastRuns(ctx context.Context) ([]*state.Run, error) {
	repos, err := p.repos.Select()
	if err != nil {
		return nil, err
	}
	runs := []*state.Run{}
	for _, repo := range repos {
		run, err := p.storage.LastRun(ctx, repo.ID())
		if err == state.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading last run of %s", repo.ID())
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (p *Pipeline) acquire() error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return ErrBusy
	}
	return nil
}

func (p *Pipeline) release() {
	atomic.StoreInt32(&p.running, 0)
}

// Create harvests the selected repositories, extracts their resources and,
// unless DryRun is set, registers and indexes the records. It returns the
// registered records, or the records that would have been registered in a
// dry run.
func (p *Pipeline) Create(ctx context.Context, opts CreateOptions) ([]*pidrecord.Record, error) {
	if err := p.acquire(); err != nil {
		return nil, err
	}
	defer p.release()

	repos, err := p.repos.Select(opts.Repositories...)
	if err != nil {
		return nil, err
	}
	if !opts.Start.IsZero() && !opts.End.IsZero() {
		if err := repository.ValidateTimeFrame(opts.Start, opts.End); err != nil {
			return nil, err
		}
	}

	r := p.newRun(opts.DryRun)
	var runs []*state.Run
	for _, repo := range repos {
		logger := r.logger.WithField("repository", repo.ID())

		start, end, all, err := p.window(ctx, repo, opts)
		if err != nil {
			return nil, err
		}
		sr := state.NewRun(repo.ID(), start, end, opts.DryRun)
		if err := p.storage.RecordRun(ctx, sr); err != nil {
			logger.WithError(err).Warn("Run could not be recorded")
		}

		var resources []repository.Resource
		if all {
			logger.Info("Harvesting all available resources")
			resources, err = repo.All(ctx)
		} else {
			logger.WithFields(logrus.Fields{"start": start, "end": end}).Info("Harvesting time frame")
			resources, err = repo.TimeFrame(ctx, start, end)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "harvesting %s", repo.ID())
		}
		p.metrics.Harvested.WithLabelValues(repo.ID()).Add(float64(len(resources)))

		result, err := r.process(ctx, repo, resources)
		if err != nil {
			return nil, err
		}
		p.persist(ctx, repo, result)
		sr.Records = result.records
		sr.Failures = len(result.failures)
		runs = append(runs, sr)
	}

	created := r.register(ctx)

	if err := p.artifacts.Write(ctx, AllRecordsArtifact, nonNil(r.known)); err != nil {
		r.logger.WithError(err).Error("Error writing records")
	}
	p.finish(ctx, runs)

	r.logger.WithFields(logrus.Fields{
		"records":  len(created),
		"errors":   len(r.errors),
		"duration": p.now().Sub(r.started).String(),
	}).Info("Finished creating PID records")
	return created, nil
}

// window decides which time frame of repo to harvest. all is set when every
// resource has to be harvested.
func (p *Pipeline) window(ctx context.Context, repo repository.Repository, opts CreateOptions) (start, end time.Time, all bool, err error) {
	now := p.now().UTC()
	switch {
	case !opts.Start.IsZero() && !opts.End.IsZero():
		return opts.Start, opts.End, false, nil
	case opts.SinceLastRun:
		last, err := p.storage.LastRun(ctx, repo.ID())
		if err == state.ErrNotFound {
			p.logger.WithField("repository", repo.ID()).Info("No previous run recorded")
			return time.Time{}, now, true, nil
		}
		if err != nil {
			return time.Time{}, time.Time{}, false, err
		}
		if !last.End.Before(now) {
			return last.End, last.End, false, errors.Errorf("last run of %s ends in the future", repo.ID())
		}
		return last.End, now, false, nil
	default:
		return time.Time{}, now, true, nil
	}
}

// Retry extracts the resources of repo whose extraction failed before and
// registers the records. Failures that are resolved are cleared.
func (p *Pipeline) Retry(ctx context.Context, name string, dryRun bool) ([]*pidrecord.Record, error) {
	if err := p.acquire(); err != nil {
		return nil, err
	}
	defer p.release()

	repo, err := p.repos.Get(name)
	if err != nil {
		return nil, err
	}
	failures, err := p.storage.Failures(ctx, repo.ID())
	if err != nil {
		return nil, err
	}

	r := p.newRun(dryRun)
	r.logger.WithFields(logrus.Fields{"repository": repo.ID(), "count": len(failures)}).Info("Retrying failed resources")
	if len(failures) == 0 {
		return []*pidrecord.Record{}, nil
	}

	resources := make([]repository.Resource, 0, len(failures))
	for _, f := range failures {
		resources = append(resources, repository.Resource{ID: f.ResourceID, Data: f.Data})
	}
	result, err := r.process(ctx, repo, resources)
	if err != nil {
		return nil, err
	}
	p.persist(ctx, repo, result)

	return r.register(ctx), nil
}

// Reindex sends records to Elasticsearch. They are read from source, a local
// file or an s3:// URI, or from the Typed PID-Maker when source is empty.
func (p *Pipeline) Reindex(ctx context.Context, source string) ([]*pidrecord.Record, error) {
	if err := p.acquire(); err != nil {
		return nil, err
	}
	defer p.release()

	var (
		records []*pidrecord.Record
		err     error
	)
	if source == "" {
		if records, err = p.tpm.All(ctx); err != nil {
			return nil, errors.Wrap(err, "listing records")
		}
		p.logger.WithField("count", len(records)).Info("Found records in the Typed PID-Maker")
	} else {
		blob, err := p.artifacts.Load(ctx, source)
		if err != nil {
			return nil, err
		}
		if records, err = pidrecord.ParseList(blob); err != nil {
			return nil, errors.Wrapf(err, "decoding %s", source)
		}
		p.logger.WithFields(logrus.Fields{"count": len(records), "source": source}).Info("Found records")
	}

	if len(records) > 0 {
		if err := p.index.AddMany(ctx, records); err != nil {
			return nil, errors.Wrap(err, "indexing records")
		}
		p.metrics.Indexed.Add(float64(len(records)))
	}
	if err := p.artifacts.Write(ctx, AllRecordsArtifact, nonNil(records)); err != nil {
		return nil, err
	}
	return records, nil
}

// Inspect reads the records in source and writes the record with the
// longest attribute and the record with the most data types as artifacts.
func (p *Pipeline) Inspect(ctx context.Context, source string) (biggest, mostInformative *pidrecord.Record, err error) {
	blob, err := p.artifacts.Load(ctx, source)
	if err != nil {
		return nil, nil, err
	}
	records, err := pidrecord.ParseList(blob)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "decoding %s", source)
	}
	if len(records) == 0 {
		return nil, nil, errors.Errorf("%s holds no records", source)
	}
	biggest, mostInformative = pidrecord.Biggest(records), pidrecord.MostDataTypes(records)
	if err := p.artifacts.Write(ctx, BiggestArtifact, biggest); err != nil {
		return nil, nil, err
	}
	if err := p.artifacts.Write(ctx, MostInformedArtifact, mostInformative); err != nil {
		return nil, nil, err
	}
	return biggest, mostInformative, nil
}

// persist stores the failures of a repository and clears the resources that
// were extracted.
func (p *Pipeline) persist(ctx context.Context, repo repository.Repository, res *result) {
	logger := p.logger.WithField("repository", repo.ID())
	if err := p.storage.SaveFailures(ctx, res.failures); err != nil {
		logger.WithError(err).Error("Failures could not be saved")
	}
	if err := p.storage.ClearFailures(ctx, repo.ID(), res.succeeded); err != nil {
		logger.WithError(err).Error("Failures could not be cleared")
	}
}

func (p *Pipeline) finish(ctx context.Context, runs []*state.Run) {
	now := p.now().UTC()
	for _, sr := range runs {
		sr.FinishedAt = now
		if err := p.storage.RecordRun(ctx, sr); err != nil {
			p.logger.WithError(err).WithField("repository", sr.Repository).Warn("Run could not be recorded")
		}
	}
}

func nonNil(records []*pidrecord.Record) []*pidrecord.Record {
	if records == nil {
		return []*pidrecord.Record{}
	}
	return records
}
