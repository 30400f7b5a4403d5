// Package tpm is a client of the Typed PID-Maker, the service that registers
// PID records and resolves them.
package tpm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"

	"github.com/kit-data-manager/nmr-fairdos/fetch"
	"github.com/kit-data-manager/nmr-fairdos/pidrecord"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	mediaTypeJSON = "application/json"

	// DefaultPageSize is the page size used when listing known PIDs.
	DefaultPageSize = 500
)

// UnexpectedStatusError is returned when the TPM answers with a status code
// other than the one the operation expects.
type UnexpectedStatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (err *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", err.Method, err.URL, err.StatusCode, err.Body)
}

// Service is the subset of the TPM API used by the pipeline.
type Service interface {
	Create(ctx context.Context, record *pidrecord.Record) (*pidrecord.Record, error)
	CreateMany(ctx context.Context, records []*pidrecord.Record) ([]*pidrecord.Record, error)
	Get(ctx context.Context, pid string) (*pidrecord.Record, error)
	Update(ctx context.Context, record *pidrecord.Record) (*pidrecord.Record, error)
	All(ctx context.Context) ([]*pidrecord.Record, error)
}

// Client talks to a Typed PID-Maker instance.
type Client struct {
	logger   logrus.FieldLogger
	baseURL  *url.URL
	client   *fetch.Client
	pageSize int
}

var _ Service = (*Client)(nil)

func New(logger logrus.FieldLogger, client *fetch.Client, baseURL string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("TPM URL is empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "error processing TPM URL (%q)", baseURL)
	}
	// References are resolved against the base, which must end in a slash
	// so that its last path segment is kept.
	if u.Path == "" || u.Path[len(u.Path)-1] != '/' {
		u.Path += "/"
	}
	return &Client{
		logger:   logger,
		baseURL:  u,
		client:   client,
		pageSize: DefaultPageSize,
	}, nil
}

// SetPageSize changes the page size used by All.
func (c *Client) SetPageSize(size int) {
	if size > 0 {
		c.pageSize = size
	}
}

// Create registers a single record. The TPM assigns the final PID.
func (c *Client) Create(ctx context.Context, record *pidrecord.Record) (*pidrecord.Record, error) {
	if record == nil {
		return nil, errors.New("record is nil")
	}
	c.logger.WithField("pid", record.PID).Info("Creating FAIR-DO")

	var created pidrecord.Record
	if err := c.do(ctx, http.MethodPost, "api/v1/pit/pid", record, http.StatusCreated, &created); err != nil {
		return nil, errors.Wrap(err, "error creating PID record")
	}
	return &created, nil
}

// CreateMany registers records in a single request. Preliminary PIDs used
// by the records to reference each other are replaced by the TPM.
func (c *Client) CreateMany(ctx context.Context, records []*pidrecord.Record) ([]*pidrecord.Record, error) {
	if len(records) == 0 {
		return nil, errors.New("no records to create")
	}
	for _, record := range records {
		if record == nil {
			return nil, errors.New("record is nil")
		}
	}
	c.logger.WithField("count", len(records)).Info("Creating FAIR-DOs")

	var created []*pidrecord.Record
	if err := c.do(ctx, http.MethodPost, "api/v1/pit/pids", records, http.StatusCreated, &created); err != nil {
		return nil, errors.Wrap(err, "error creating PID records")
	}
	return created, nil
}

// Get resolves a PID into its record.
func (c *Client) Get(ctx context.Context, pid string) (*pidrecord.Record, error) {
	if pid == "" {
		return nil, errors.New("PID is empty")
	}
	var record pidrecord.Record
	if err := c.do(ctx, http.MethodGet, "api/v1/pit/pid/"+pid, nil, http.StatusOK, &record); err != nil {
		return nil, errors.Wrapf(err, "error retrieving PID record %s", pid)
	}
	return &record, nil
}

// Update replaces the record stored under record.PID.
func (c *Client) Update(ctx context.Context, record *pidrecord.Record) (*pidrecord.Record, error) {
	if record == nil || record.PID == "" {
		return nil, errors.New("record has no PID")
	}
	c.logger.WithField("pid", record.PID).Debug("Updating FAIR-DO")

	var updated pidrecord.Record
	if err := c.do(ctx, http.MethodPut, "api/v1/pit/pid/"+record.PID, record, http.StatusOK, &updated); err != nil {
		return nil, errors.Wrapf(err, "error updating PID record %s", record.PID)
	}
	return &updated, nil
}

type knownPID struct {
	PID string `json:"pid"`
}

// All lists every PID known to the TPM and resolves each of them.
func (c *Client) All(ctx context.Context) ([]*pidrecord.Record, error) {
	var pids []string
	for page := 0; ; page++ {
		var known []knownPID
		path := "api/v1/pit/known-pid?page=" + strconv.Itoa(page) + "&size=" + strconv.Itoa(c.pageSize)
		if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &known); err != nil {
			return nil, errors.Wrap(err, "error listing known PIDs")
		}
		for _, k := range known {
			pids = append(pids, k.PID)
		}
		if len(known) < c.pageSize {
			break
		}
	}

	c.logger.WithField("count", len(pids)).Debug("Resolving known PIDs")

	records := make([]*pidrecord.Record, 0, len(pids))
	for _, pid := range pids {
		record, err := c.Get(ctx, pid)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// do encodes the payload, delivers the request and decodes the response when
// the status code matches expected.
func (c *Client) do(ctx context.Context, method, ref string, payload interface{}, expected int, v interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return errors.Wrap(err, "error encoding the request")
		}
	}

	rel, err := url.Parse(ref)
	if err != nil {
		return errors.Wrap(err, "error parsing the URL string")
	}
	dest := c.baseURL.ResolveReference(rel).String()

	resp, err := c.client.Do(ctx, func() (*http.Request, error) {
		var r io.Reader
		if body != nil {
			r = bytes.NewReader(body)
		}
		req, err := http.NewRequest(method, dest, r)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", mediaTypeJSON)
		}
		req.Header.Set("Accept", mediaTypeJSON)
		return req, nil
	})
	if err != nil {
		return err
	}

	if resp.StatusCode != expected {
		data, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return &UnexpectedStatusError{
			Method:     method,
			URL:        dest,
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}

	return fetch.DecodeResponse(resp.Body, v)
}
