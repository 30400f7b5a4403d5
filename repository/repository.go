// Package repository harvests research data repositories and maps their
// metadata to PID records.
package repository

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kit-data-manager/nmr-fairdos/fetch"
	"github.com/kit-data-manager/nmr-fairdos/pidrecord"

	"github.com/pkg/errors"
)

// ErrUnknownRepository is returned when a repository name is not registered.
var ErrUnknownRepository = errors.New("unknown repository")

// ErrInvalidTimeFrame is the cause of the errors of ValidateTimeFrame.
var ErrInvalidTimeFrame = errors.New("invalid time frame")

// epoch is the start of the time frame harvested by All.
var epoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// Resource is a harvested item. Data holds the raw metadata so the item can
// be persisted and extracted again later. It may be empty when the item
// could not be fetched, in which case Extract fetches it.
type Resource struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// RelateFunc adds entries to the record presumed identifies, which may be
// part of the current harvest or registered already. onSuccess, when not
// nil, receives the PID of that record once the entries were added.
type RelateFunc func(ctx context.Context, presumed string, entries []pidrecord.Entry, onSuccess func(pid string)) error

// Repository is a source of FAIR-DOs.
type Repository interface {
	// ID identifies the repository instance, e.g. in artifact names.
	ID() string

	// Name is the short name used to select the repository.
	Name() string

	// RepositoryFDO describes the repository itself. Extracted records
	// reference it as their primary source.
	RepositoryFDO() (*pidrecord.Record, error)

	// All lists every resource available.
	All(ctx context.Context) ([]Resource, error)

	// TimeFrame lists the resources created or modified between start and
	// end.
	TimeFrame(ctx context.Context, start, end time.Time) ([]Resource, error)

	// Extract maps a resource to a record.
	Extract(ctx context.Context, res Resource, relate RelateFunc) (*pidrecord.Record, error)
}

// Fetcher retrieves JSON documents, using its cache unless fresh is set.
type Fetcher interface {
	Fetch(ctx context.Context, url string, fresh bool) (json.RawMessage, error)
	FetchMany(ctx context.Context, urls []string, fresh bool) []fetch.Result
}

// LicenseResolver maps license references to SPDX URLs.
type LicenseResolver interface {
	URL(ctx context.Context, s string) (string, error)
}

// TermSearcher maps free text to ontology IRIs.
type TermSearcher interface {
	SearchTerm(ctx context.Context, query, ontology, parent string) (string, error)
}

// ValidateTimeFrame checks that start is not after end and lies in the past.
func ValidateTimeFrame(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return errors.Wrap(ErrInvalidTimeFrame, "start and end must be set")
	}
	if start.After(end) {
		return errors.Wrapf(ErrInvalidTimeFrame, "start date %s must be before end date %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	if start.After(time.Now()) {
		return errors.Wrapf(ErrInvalidTimeFrame, "start date %s must be in the past", start.Format(time.RFC3339))
	}
	return nil
}

// Registry holds the configured repositories by name.
type Registry struct {
	r map[string]Repository
	sync.RWMutex
}

func NewRegistry(repos ...Repository) *Registry {
	reg := &Registry{r: make(map[string]Repository)}
	for _, repo := range repos {
		reg.Add(repo)
	}
	return reg
}

// Add registers repo under its name. An existing entry is replaced.
func (reg *Registry) Add(repo Repository) {
	reg.Lock()
	defer reg.Unlock()
	reg.r[strings.ToLower(repo.Name())] = repo
}

// Get looks up a repository by name, ignoring case.
func (reg *Registry) Get(name string) (Repository, error) {
	reg.RLock()
	defer reg.RUnlock()
	repo, ok := reg.r[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, errors.Wrap(ErrUnknownRepository, name)
	}
	return repo, nil
}

// Select returns the named repositories in the given order, or every
// repository sorted by name when names is empty.
func (reg *Registry) Select(names ...string) ([]Repository, error) {
	if len(names) == 0 {
		reg.RLock()
		defer reg.RUnlock()
		keys := make([]string, 0, len(reg.r))
		for k := range reg.r {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		repos := make([]Repository, 0, len(keys))
		for _, k := range keys {
			repos = append(repos, reg.r[k])
		}
		return repos, nil
	}

	repos := make([]Repository, 0, len(names))
	for _, name := range names {
		repo, err := reg.Get(name)
		if err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	return repos, nil
}
