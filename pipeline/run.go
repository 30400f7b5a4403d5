package pipeline

import (
	"context"
	"time"

	"github.com/kit-data-manager/nmr-fairdos/pidrecord"
	"github.com/kit-data-manager/nmr-fairdos/repository"
	"github.com/kit-data-manager/nmr-fairdos/state"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// run holds the state of one invocation of the pipeline.
type run struct {
	p       *Pipeline
	logger  logrus.FieldLogger
	dryRun  bool
	started time.Time

	// toCreate are the records extracted so far, known the records that are
	// registered already.
	toCreate []*pidrecord.Record
	known    []*pidrecord.Record

	deferred  []relation
	replaying bool

	errors []ErrorReport
}

type relation struct {
	presumed  string
	entries   []pidrecord.Entry
	onSuccess func(pid string)
}

// result summarises the extraction of the resources of one repository.
type result struct {
	records   int
	succeeded []string
	failures  []state.Failure
}

func (p *Pipeline) newRun(dryRun bool) *run {
	id := uuid.New()
	return &run{
		p:       p,
		logger:  p.logger.WithFields(logrus.Fields{"run": id.String(), "dryrun": dryRun}),
		dryRun:  dryRun,
		started: p.now(),
	}
}

func (r *run) report(url string, err error) {
	r.errors = append(r.errors, ErrorReport{URL: url, Error: err.Error(), Timestamp: r.p.now().UTC()})
}

// process extracts the resources of repo. Relationships that cannot be
// resolved during the extraction are retried once at the end.
func (r *run) process(ctx context.Context, repo repository.Repository, resources []repository.Resource) (*result, error) {
	logger := r.logger.WithField("repository", repo.ID())
	logger.WithField("count", len(resources)).Info("Creating PID records")
	mark := len(r.errors)
	res := &result{}

	fdo, isNew, err := r.repositoryFDO(ctx, repo)
	if err != nil {
		return nil, errors.Wrapf(err, "building repository FDO of %s", repo.ID())
	}

	recordsMark := len(r.toCreate)
	for _, resource := range resources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := repo.Extract(ctx, resource, r.relate)
		if err == nil && record == nil {
			err = errors.New("no PID record extracted")
		}
		if err == nil {
			err = record.AddEntry(pidrecord.HadPrimarySource, fdo.PID, "hadPrimarySource")
		}
		if err != nil {
			logger.WithError(err).WithField("resource", resource.ID).Error("Error extracting PID record")
			r.report(resource.ID, err)
			res.failures = append(res.failures, state.Failure{
				Repository: repo.ID(),
				ResourceID: resource.ID,
				Data:       resource.Data,
				Error:      err.Error(),
				Timestamp:  r.p.now().UTC(),
			})
			r.p.metrics.Failed.WithLabelValues(repo.ID()).Inc()
			continue
		}
		r.toCreate = append(r.toCreate, record)
		res.succeeded = append(res.succeeded, resource.ID)
		res.records++
		r.p.metrics.Extracted.WithLabelValues(repo.ID()).Inc()
	}

	r.replay(ctx)

	if isNew {
		logger.WithField("pid", fdo.PID).Info("Creating repository FDO")
		r.toCreate = append(r.toCreate, fdo)
	} else if r.dryRun {
		logger.WithField("pid", fdo.PID).Warn("Dry run: not updating repository FDO")
	} else {
		logger.WithField("pid", fdo.PID).Info("Updating repository FDO")
		if _, err := r.p.tpm.Update(ctx, fdo); err != nil {
			r.report(fdo.PID, errors.Wrap(err, "updating repository FDO"))
		} else if err := r.p.index.Add(ctx, fdo); err != nil {
			r.report(fdo.PID, errors.Wrap(err, "indexing repository FDO"))
		}
	}

	name := ArtifactName(ErrorsArtifact, repo.ID())
	if err := r.p.artifacts.Write(ctx, name, append([]ErrorReport{}, r.errors[mark:]...)); err != nil {
		logger.WithError(err).Error("Error writing errors")
	}
	name = ArtifactName(RecordsArtifact, repo.ID())
	if err := r.p.artifacts.Write(ctx, name, nonNil(r.toCreate[recordsMark:])); err != nil {
		logger.WithError(err).Error("Error writing records")
	}
	return res, nil
}

// repositoryFDO returns the registered repository FDO updated with the
// current description, or the description itself when it is not registered
// yet.
func (r *run) repositoryFDO(ctx context.Context, repo repository.Repository) (*pidrecord.Record, bool, error) {
	fresh, err := repo.RepositoryFDO()
	if err != nil {
		return nil, false, err
	}
	logger := r.logger.WithField("repository", repo.ID())

	location, ok := fresh.FirstValue(pidrecord.DigitalObjectLocation)
	if !ok {
		return fresh, true, nil
	}
	pid, err := r.p.index.SearchPID(ctx, location)
	if err != nil {
		logger.WithError(err).Info("No registered repository FDO found")
		return fresh, true, nil
	}
	existing, err := r.p.tpm.Get(ctx, pid)
	if err != nil {
		logger.WithError(err).WithField("pid", pid).Warn("Registered repository FDO could not be retrieved")
		return fresh, true, nil
	}
	logger.WithField("pid", existing.PID).Info("Found registered repository FDO")

	if existing.EntryExists(pidrecord.DateCreated, "") {
		fresh.DeleteEntry(pidrecord.DateCreated, "")
	}
	if err := existing.Merge(fresh); err != nil {
		return nil, false, err
	}
	r.known = append(r.known, existing)
	return existing, false, nil
}

// relate is the repository.RelateFunc handed to the repositories.
func (r *run) relate(ctx context.Context, presumed string, entries []pidrecord.Entry, onSuccess func(pid string)) error {
	err := r.link(ctx, presumed, entries, onSuccess)
	if err == nil || r.replaying {
		return err
	}
	r.logger.WithError(err).WithField("presumed", presumed).Info("Relationship deferred")
	r.deferred = append(r.deferred, relation{presumed: presumed, entries: entries, onSuccess: onSuccess})
	return nil
}

func (r *run) replay(ctx context.Context) {
	r.replaying = true
	defer func() { r.replaying = false }()

	pending := r.deferred
	r.deferred = nil
	for _, rel := range pending {
		if err := r.link(ctx, rel.presumed, rel.entries, rel.onSuccess); err != nil {
			r.logger.WithError(err).WithField("presumed", rel.presumed).Error("Relationship could not be added")
			r.report(rel.presumed, err)
		}
	}
}

// link adds entries to the record presumed identifies. It looks at the
// records of this run first, then at the registered ones it knows and
// finally searches Elasticsearch.
func (r *run) link(ctx context.Context, presumed string, entries []pidrecord.Entry, onSuccess func(pid string)) error {
	location, err := pidrecord.DecodePresumedPID(presumed)
	if err != nil {
		return err
	}
	success := func(pid string) {
		if onSuccess != nil {
			onSuccess(pid)
		}
	}

	if record := find(r.toCreate, presumed, location); record != nil {
		if err := record.AddEntries(entries...); err != nil {
			return err
		}
		success(record.PID)
		return nil
	}

	if record := find(r.known, presumed, location); record != nil {
		if err := record.AddEntries(entries...); err != nil {
			return err
		}
		if err := r.update(ctx, record); err != nil {
			return err
		}
		success(record.PID)
		return nil
	}

	pid, err := r.p.index.SearchPID(ctx, location)
	if err != nil {
		return errors.Wrapf(err, "searching record of %s", location)
	}
	record, err := r.p.tpm.Get(ctx, pid)
	if err != nil {
		return errors.Wrapf(err, "getting record %s", pid)
	}
	if err := record.AddEntries(entries...); err != nil {
		return err
	}
	r.known = append(r.known, record)
	if err := r.update(ctx, record); err != nil {
		return err
	}
	success(record.PID)
	return nil
}

func find(records []*pidrecord.Record, presumed, location string) *pidrecord.Record {
	for _, record := range records {
		if record.PID == presumed || record.EntryExists(pidrecord.DigitalObjectLocation, location) {
			return record
		}
	}
	return nil
}

func (r *run) update(ctx context.Context, record *pidrecord.Record) error {
	if r.dryRun {
		r.logger.WithField("pid", record.PID).Debug("Dry run: not updating record")
		return nil
	}
	if _, err := r.p.tpm.Update(ctx, record); err != nil {
		return errors.Wrapf(err, "updating record %s", record.PID)
	}
	return nil
}

// register deduplicates, validates and registers the extracted records.
func (r *run) register(ctx context.Context) []*pidrecord.Record {
	deduplicated := deduplicate(r.toCreate)
	if err := r.p.artifacts.Write(ctx, DeduplicatedArtifact, nonNil(deduplicated)); err != nil {
		r.logger.WithError(err).Error("Error writing deduplicated records")
	}

	valid := make([]*pidrecord.Record, 0, len(deduplicated))
	for _, record := range deduplicated {
		if r.p.validator != nil {
			if err := r.p.validator.ValidateRecord(record); err != nil {
				r.logger.WithError(err).WithField("pid", record.PID).Error("Invalid PID record")
				r.report(record.PID, err)
				continue
			}
		}
		valid = append(valid, record)
	}

	if r.dryRun {
		r.logger.WithField("count", len(valid)).Warn("Dry run: not creating PID records in the Typed PID-Maker or Elasticsearch")
		r.known = append(r.known, valid...)
		return valid
	}
	if len(valid) == 0 {
		return []*pidrecord.Record{}
	}

	mark := len(r.errors)
	defer func() {
		if len(r.errors) == mark {
			return
		}
		if err := r.p.artifacts.Write(ctx, ArtifactName(ErrorsArtifact, "registration"), r.errors[mark:]); err != nil {
			r.logger.WithError(err).Error("Error writing errors")
		}
	}()

	r.logger.WithField("count", len(valid)).Info("Creating PID records in the Typed PID-Maker")
	created, err := r.p.tpm.CreateMany(ctx, valid)
	if err != nil {
		r.logger.WithError(err).Error("Error creating PID records")
		r.report("", err)
		return []*pidrecord.Record{}
	}
	r.p.metrics.Registered.Add(float64(len(created)))
	r.known = append(r.known, created...)

	r.logger.WithField("count", len(created)).Info("Adding PID records to Elasticsearch")
	if err := r.p.index.AddMany(ctx, created); err != nil {
		r.logger.WithError(err).Error("Error indexing PID records")
		r.report("", err)
	} else {
		r.p.metrics.Indexed.Add(float64(len(created)))
	}
	return created
}

// deduplicate merges records sharing a PID into the first of them.
func deduplicate(records []*pidrecord.Record) []*pidrecord.Record {
	byPID := make(map[string]*pidrecord.Record, len(records))
	out := make([]*pidrecord.Record, 0, len(records))
	for _, record := range records {
		if first, ok := byPID[record.PID]; ok {
			// Entries of extracted records are valid, so merging cannot fail.
			_ = first.Merge(record)
			continue
		}
		byPID[record.PID] = record
		out = append(out, record)
	}
	return out
}
