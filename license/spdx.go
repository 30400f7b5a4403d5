// Package license maps free-form license references to SPDX license URLs.
package license

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

const (
	DefaultListURL = "https://spdx.org/licenses/licenses.json"

	spdxBaseURL = "https://spdx.org/licenses/"
)

// Fetcher retrieves JSON documents, possibly from a cache.
type Fetcher interface {
	Fetch(ctx context.Context, url string, fresh bool) (json.RawMessage, error)
}

type spdxLicense struct {
	Reference       string      `json:"reference"`
	DetailsURL      string      `json:"detailsUrl"`
	LicenseID       string      `json:"licenseId"`
	SeeAlso         []string    `json:"seeAlso"`
	Name            string      `json:"name"`
	ReferenceNumber interface{} `json:"referenceNumber"`
}

// Resolver matches license references against the SPDX license list, which
// it loads on first use.
type Resolver struct {
	fetcher Fetcher
	listURL string

	mu       sync.Mutex
	licenses []spdxLicense
	resolved map[string]string
}

func NewResolver(fetcher Fetcher, listURL string) *Resolver {
	if listURL == "" {
		listURL = DefaultListURL
	}
	return &Resolver{
		fetcher:  fetcher,
		listURL:  listURL,
		resolved: map[string]string{},
	}
}

// URL returns the SPDX URL (https://spdx.org/licenses/<id>.json) of the
// license referenced by s, or s itself when no license matches.
func (r *Resolver) URL(ctx context.Context, s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return s, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if url, ok := r.resolved[s]; ok {
		return url, nil
	}
	if r.licenses == nil {
		if err := r.load(ctx); err != nil {
			return "", err
		}
	}

	result := s
	if l := match(r.licenses, s); l != nil {
		result = spdxBaseURL + l.LicenseID + ".json"
	}
	r.resolved[s] = result
	return result, nil
}

func (r *Resolver) load(ctx context.Context) error {
	data, err := r.fetcher.Fetch(ctx, r.listURL, false)
	if err != nil {
		return errors.Wrap(err, "loading SPDX license list")
	}
	var list struct {
		Licenses []spdxLicense `json:"licenses"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.Wrap(err, "decoding SPDX license list")
	}
	if list.Licenses == nil {
		list.Licenses = []spdxLicense{}
	}
	r.licenses = list.Licenses
	return nil
}

func match(licenses []spdxLicense, s string) *spdxLicense {
	q := strings.ToLower(s)
	for i := range licenses {
		l := &licenses[i]
		switch {
		case q == strings.ToLower(l.Reference),
			l.DetailsURL != "" && strings.Contains(strings.ToLower(l.DetailsURL), q),
			q == strings.ToLower(l.LicenseID),
			contains(l.SeeAlso, q),
			q == strings.ToLower(l.Name),
			l.ReferenceNumber != nil && q == cast.ToString(l.ReferenceNumber):
			return l
		}
	}
	return nil
}

func contains(list []string, q string) bool {
	for _, item := range list {
		if item == q {
			return true
		}
	}
	return false
}
