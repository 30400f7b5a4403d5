// Package datatype looks up the human-readable names of data types
// registered in a data type registry.
package datatype

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/kit-data-manager/nmr-fairdos/fetch"

	"github.com/pkg/errors"
)

// DefaultHandleURL is the Handle proxy used to resolve data type PIDs.
const DefaultHandleURL = "https://hdl.handle.net/"

// Resolver resolves data type PIDs through the Handle proxy and caches the
// names it finds.
type Resolver struct {
	client    *fetch.Client
	handleURL string

	mu    sync.RWMutex
	names map[string]string
}

func NewResolver(client *fetch.Client, handleURL string) *Resolver {
	if handleURL == "" {
		handleURL = DefaultHandleURL
	}
	if !strings.HasSuffix(handleURL, "/") {
		handleURL += "/"
	}
	return &Resolver{
		client:    client,
		handleURL: handleURL,
		names:     map[string]string{},
	}
}

// Name returns the name of the data type identified by pid.
//
// The Handle proxy redirects to the registry's web view, whose URL carries a
// fragment ("/#objects/<pid>"). Removing the "#" turns it into the URL of the
// JSON representation, which holds the name.
func (r *Resolver) Name(ctx context.Context, pid string) (string, error) {
	r.mu.RLock()
	name, ok := r.names[pid]
	r.mu.RUnlock()
	if ok {
		return name, nil
	}

	resp, err := r.client.Do(ctx, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, r.handleURL+pid, nil)
	})
	if err != nil {
		return "", errors.Wrapf(err, "resolving data type %s", pid)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Wrapf(&fetch.StatusError{URL: r.handleURL + pid, StatusCode: resp.StatusCode}, "resolving data type %s", pid)
	}

	location := strings.Replace(resp.Request.URL.String(), "#", "", -1)
	var doc struct {
		Name string `json:"name"`
	}
	if err := r.client.GetJSON(ctx, location, &doc); err != nil {
		return "", errors.Wrapf(err, "fetching data type %s", pid)
	}
	if doc.Name == "" {
		return "", errors.Errorf("data type %s has no name", pid)
	}

	r.mu.Lock()
	r.names[pid] = doc.Name
	r.mu.Unlock()

	return doc.Name, nil
}

// Set stores a known name, skipping the registry lookup for pid.
func (r *Resolver) Set(pid, name string) {
	r.mu.Lock()
	r.names[pid] = name
	r.mu.Unlock()
}
