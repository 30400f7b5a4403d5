// Package terminology maps free-text terms to ontology IRIs using an OLS
// compatible terminology service such as the TIB Terminology Service.
package terminology

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/kit-data-manager/nmr-fairdos/fetch"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultURL is the public TIB Terminology Service.
const DefaultURL = "https://api.terminology.tib.eu"

type term struct {
	IRI string `json:"iri"`
}

type searchResponse struct {
	Response *struct {
		Docs []term `json:"docs"`
	} `json:"response"`
}

type childrenResponse struct {
	Embedded struct {
		Terms []term `json:"terms"`
	} `json:"_embedded"`
}

// Client searches the terminology service. Answers are cached per ontology,
// parent and query.
type Client struct {
	logger  logrus.FieldLogger
	client  *fetch.Client
	baseURL string

	mu    sync.Mutex
	cache map[string]string
}

func New(logger logrus.FieldLogger, client *fetch.Client, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		logger:  logger,
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		cache:   map[string]string{},
	}
}

// SearchTerm returns the IRI of the term exactly matching query within
// ontology, restricted to descendants of parent. An empty IRI means that no
// term matched.
//
// When several terms match, the one that is an ancestor of another
// candidate wins, then the one with the most children.
func (c *Client) SearchTerm(ctx context.Context, query, ontology, parent string) (string, error) {
	key := ontology + "|" + parent + "|" + query
	c.mu.Lock()
	iri, ok := c.cache[key]
	c.mu.Unlock()
	if ok {
		return iri, nil
	}

	u := fmt.Sprintf(
		"%s/api/search?q=%s&ontology=%s&option=COMPOSITE&fieldList=iri%%2Clabel%%2Cshort_form%%2Cobo_id%%2Contology_name&exact=true&obsoletes=false&local=true&allChildrenOf=%s&rows=10&start=0&format=json&lang=en",
		c.baseURL, url.QueryEscape(query), url.QueryEscape(ontology), url.QueryEscape(parent),
	)
	var resp searchResponse
	if err := c.client.GetJSON(ctx, u, &resp); err != nil {
		return "", errors.Wrapf(err, "searching term %q", query)
	}

	if resp.Response != nil {
		switch docs := resp.Response.Docs; {
		case len(docs) == 1:
			iri = docs[0].IRI
		case len(docs) > 1:
			var err error
			if iri, err = c.findParent(ctx, ontology, docs); err != nil {
				return "", err
			}
		}
	}

	c.logger.WithFields(logrus.Fields{"query": query, "ontology": ontology, "iri": iri}).Debug("Term resolved")

	c.mu.Lock()
	c.cache[key] = iri
	c.mu.Unlock()

	return iri, nil
}

func (c *Client) findParent(ctx context.Context, ontology string, candidates []term) (string, error) {
	var (
		best     string
		bestSize int
	)
	for _, candidate := range candidates {
		children, err := c.children(ctx, ontology, candidate.IRI)
		if err != nil {
			return "", err
		}
		for _, other := range candidates {
			if other.IRI != candidate.IRI && children[other.IRI] {
				return candidate.IRI, nil
			}
		}
		if len(children) > bestSize {
			best, bestSize = candidate.IRI, len(children)
		}
	}
	return best, nil
}

func (c *Client) children(ctx context.Context, ontology, iri string) (map[string]bool, error) {
	u := fmt.Sprintf(
		"%s/api/ontologies/%s/terms/%s/hierarchicalChildren?lang=en",
		c.baseURL, url.PathEscape(ontology), url.QueryEscape(url.QueryEscape(iri)),
	)
	var resp childrenResponse
	if err := c.client.GetJSON(ctx, u, &resp); err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrapf(ctx.Err(), "fetching children of %s", iri)
		}
		// A term whose children cannot be fetched has none.
		c.logger.WithError(err).WithField("iri", iri).Error("Error fetching children")
		return map[string]bool{}, nil
	}
	children := make(map[string]bool, len(resp.Embedded.Terms))
	for _, t := range resp.Embedded.Terms {
		children[t.IRI] = true
	}
	return children, nil
}
