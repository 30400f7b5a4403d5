package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// DefaultConcurrency bounds the number of requests FetchMany runs at once.
const DefaultConcurrency = 100

// Fetcher retrieves JSON documents and keeps the JSON objects it sees in a
// cache directory, one file per URL.
type Fetcher struct {
	logger      logrus.FieldLogger
	client      *Client
	fs          afero.Fs
	dir         string
	concurrency int
}

// NewFetcher creates the cache directory when it does not exist yet.
func NewFetcher(logger logrus.FieldLogger, client *Client, fs afero.Fs, dir string, concurrency int) (*Fetcher, error) {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating cache directory %s", dir)
	}
	return &Fetcher{
		logger:      logger,
		client:      client,
		fs:          fs,
		dir:         dir,
		concurrency: concurrency,
	}, nil
}

// Client returns the HTTP client used by the fetcher.
func (f *Fetcher) Client() *Client {
	return f.client
}

// FS returns the filesystem holding the cache.
func (f *Fetcher) FS() afero.Fs {
	return f.fs
}

// Dir returns the cache directory.
func (f *Fetcher) Dir() string {
	return f.dir
}

// CachePath returns the cache file used for url.
func (f *Fetcher) CachePath(url string) string {
	return filepath.Join(f.dir, strings.Replace(url, "/", "_", -1)+".json")
}

// Fetch returns the JSON document at url. Unless fresh is set, a cached copy
// is returned when one exists and holds a JSON object.
func (f *Fetcher) Fetch(ctx context.Context, url string, fresh bool) (json.RawMessage, error) {
	path := f.CachePath(url)
	if !fresh {
		if data, ok := f.readCache(path); ok {
			f.logger.WithField("url", url).Debug("Using cached response")
			return data, nil
		}
	}

	var data json.RawMessage
	if err := f.client.GetJSON(ctx, url, &data); err != nil {
		return nil, errors.Wrapf(err, "fetching %s", url)
	}
	if isObject(data) {
		if err := afero.WriteFile(f.fs, path, data, 0644); err != nil {
			f.logger.WithError(err).WithField("url", url).Warn("Cannot write cache file")
		}
	}
	return data, nil
}

func (f *Fetcher) readCache(path string) (json.RawMessage, bool) {
	data, err := afero.ReadFile(f.fs, path)
	if err != nil || !isObject(data) {
		return nil, false
	}
	return data, true
}

func isObject(data []byte) bool {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return false
	}
	var m map[string]json.RawMessage
	return json.Unmarshal(data, &m) == nil
}

// Result is the outcome of one fetch issued by FetchMany.
type Result struct {
	URL  string
	Data json.RawMessage
	Err  error
}

// FetchMany fetches every URL with bounded concurrency. Results keep the
// order of urls.
func (f *Fetcher) FetchMany(ctx context.Context, urls []string, fresh bool) []Result {
	results := make([]Result, len(urls))
	sem := make(chan struct{}, f.concurrency)
	var wg sync.WaitGroup
	for i, url := range urls {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = Result{URL: url, Err: ctx.Err()}
				return
			}
			defer func() { <-sem }()
			data, err := f.Fetch(ctx, url, fresh)
			results[i] = Result{URL: url, Data: data, Err: err}
		}(i, url)
	}
	wg.Wait()
	return results
}
