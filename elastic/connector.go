// Package elastic indexes PID records in Elasticsearch and searches the index
// for records that were registered before.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"strings"
	"time"

	"github.com/kit-data-manager/nmr-fairdos/pidrecord"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned when a search has no hits.
	ErrNotFound = errors.New("no FAIR-DO found in the index")

	// ErrNoMatch is returned when the best hit of a search is not the
	// record that was asked for.
	ErrNoMatch = errors.New("retrieved FAIR-DO does not match the requested PID")
)

// Index is the subset of the connector used by the pipeline.
type Index interface {
	Add(ctx context.Context, record *pidrecord.Record) error
	AddMany(ctx context.Context, records []*pidrecord.Record) error
	SearchPID(ctx context.Context, presumed string) (string, error)
}

// BulkError reports the documents a bulk request failed to index.
type BulkError struct {
	Failures map[string]string
}

func (err *BulkError) Error() string {
	parts := make([]string, 0, len(err.Failures))
	for id, reason := range err.Failures {
		parts = append(parts, id+": "+reason)
	}
	return fmt.Sprintf("%d documents failed to index: %s", len(err.Failures), strings.Join(parts, "; "))
}

// Config holds the settings needed to reach the cluster.
type Config struct {
	URL    string
	APIKey string
	Index  string
}

// NewClient returns a go-elasticsearch client for cfg.
func NewClient(cfg Config) (*elasticsearch.Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("Elasticsearch URL is empty")
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		APIKey:    cfg.APIKey,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating Elasticsearch client")
	}
	return client, nil
}

// Connector stores documents in a single index.
type Connector struct {
	logger  logrus.FieldLogger
	client  *elasticsearch.Client
	index   string
	builder *documentBuilder
}

var _ Index = (*Connector)(nil)

// New checks that the cluster is reachable and creates the index when it
// does not exist yet.
func New(ctx context.Context, logger logrus.FieldLogger, client *elasticsearch.Client, index string, names NameResolver) (*Connector, error) {
	if index == "" {
		return nil, errors.New("index name is empty")
	}
	c := &Connector{
		logger: logger,
		client: client,
		index:  index,
		builder: &documentBuilder{
			logger: logger,
			names:  names,
			now:    time.Now,
		},
	}

	res, err := client.Ping(client.Ping.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrap(err, "could not connect to Elasticsearch")
	}
	drain(res)
	if res.IsError() {
		return nil, errors.Errorf("could not connect to Elasticsearch: %s", res.Status())
	}

	res, err = client.Indices.Exists([]string{index}, client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrapf(err, "checking index %s", index)
	}
	drain(res)
	switch res.StatusCode {
	case 200:
		logger.WithField("index", index).Info("Index already exists")
	case 404:
		res, err = client.Indices.Create(index, client.Indices.Create.WithContext(ctx))
		if err != nil {
			return nil, errors.Wrapf(err, "creating index %s", index)
		}
		drain(res)
		if res.IsError() {
			return nil, errors.Errorf("creating index %s: %s", index, res.Status())
		}
		logger.WithField("index", index).Info("Created index")
	default:
		return nil, errors.Errorf("checking index %s: %s", index, res.Status())
	}

	return c, nil
}

// Document returns the document that would be indexed for record.
func (c *Connector) Document(ctx context.Context, record *pidrecord.Record) Document {
	return c.builder.build(ctx, record)
}

// Add indexes a single record using its PID as document identifier.
func (c *Connector) Add(ctx context.Context, record *pidrecord.Record) error {
	doc := c.Document(ctx, record)
	body, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "encoding document")
	}

	res, err := c.client.Index(
		c.index,
		bytes.NewReader(body),
		c.client.Index.WithDocumentID(record.PID),
		c.client.Index.WithContext(ctx),
	)
	if err != nil {
		return errors.Wrapf(err, "storing FAIR-DO %s", record.PID)
	}
	defer drain(res)
	if res.IsError() {
		return errors.Errorf("storing FAIR-DO %s: %s", record.PID, res.Status())
	}

	c.logger.WithField("pid", record.PID).Info("Stored FAIR-DO in index")
	return nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// AddMany indexes records with one bulk request. Existing documents are
// replaced. Per-document failures are returned as a *BulkError.
func (c *Connector) AddMany(ctx context.Context, records []*pidrecord.Record) error {
	if len(records) == 0 {
		return nil
	}

	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	for _, record := range records {
		meta := map[string]interface{}{
			"index": map[string]string{"_index": c.index, "_id": record.PID},
		}
		if err := enc.Encode(meta); err != nil {
			return errors.Wrap(err, "encoding bulk action")
		}
		if err := enc.Encode(c.Document(ctx, record)); err != nil {
			return errors.Wrapf(err, "encoding document %s", record.PID)
		}
	}

	res, err := c.client.Bulk(buf, c.client.Bulk.WithIndex(c.index), c.client.Bulk.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "bulk indexing")
	}
	defer drain(res)
	if res.IsError() {
		return errors.Errorf("bulk indexing: %s", res.Status())
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return errors.Wrap(err, "decoding bulk response")
	}
	if br.Errors {
		failures := map[string]string{}
		for _, item := range br.Items {
			for _, result := range item {
				if result.Error != nil {
					failures[result.ID] = result.Error.Type + ": " + result.Error.Reason
				}
			}
		}
		if len(failures) > 0 {
			return &BulkError{Failures: failures}
		}
	}

	c.logger.WithField("count", len(records)).Info("Stored FAIR-DOs in index")
	return nil
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source map[string]interface{} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// SearchPID looks for a record whose PID or digitalObjectLocation equals
// presumed and returns its PID.
func (c *Connector) SearchPID(ctx context.Context, presumed string) (string, error) {
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"type":   "best_fields",
				"query":  presumed,
				"fields": []string{"digitalObjectLocation", "pid"},
			},
		},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return "", errors.Wrap(err, "encoding query")
	}

	res, err := c.client.Search(
		c.client.Search.WithIndex(c.index),
		c.client.Search.WithBody(bytes.NewReader(body)),
		c.client.Search.WithContext(ctx),
	)
	if err != nil {
		return "", errors.Wrapf(err, "searching for %s", presumed)
	}
	defer drain(res)
	if res.StatusCode != 200 {
		return "", errors.Errorf("searching for %s: %s", presumed, res.Status())
	}

	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return "", errors.Wrap(err, "decoding search response")
	}
	if sr.Hits.Total.Value == 0 || len(sr.Hits.Hits) == 0 {
		return "", errors.Wrap(ErrNotFound, presumed)
	}

	source := sr.Hits.Hits[0].Source
	pid, _ := source["pid"].(string)
	if pid != presumed && !holds(source["digitalObjectLocation"], presumed) {
		c.logger.WithFields(logrus.Fields{"presumed": presumed, "pid": pid}).Warn("PID of retrieved FAIR-DO does not match")
		return "", errors.Wrap(ErrNoMatch, presumed)
	}

	c.logger.WithField("pid", pid).Debug("Retrieved possible FAIR-DO from index")
	return pid, nil
}

// holds reports whether v, a string or a list of strings, contains s.
func holds(v interface{}, s string) bool {
	switch v := v.(type) {
	case string:
		return v == s
	case []interface{}:
		for _, item := range v {
			if str, ok := item.(string); ok && str == s {
				return true
			}
		}
	}
	return false
}

func drain(res *esapi.Response) {
	if res == nil || res.Body == nil {
		return
	}
	_, _ = io.Copy(ioutil.Discard, res.Body)
	_ = res.Body.Close()
}
