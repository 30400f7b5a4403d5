package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kit-data-manager/nmr-fairdos/pidrecord"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultChemotionLimit is the page size of the publication listing.
	DefaultChemotionLimit = 500

	chemotionName = "chemotion"
)

// ChemotionConfig configures a Chemotion repository.
type ChemotionConfig struct {
	BaseURL string

	// Limit is the page size of the publication listing.
	Limit int

	// Types are the publication types to harvest, "Sample" by default.
	Types []string
}

// Chemotion harvests the public metadata API of a Chemotion repository.
type Chemotion struct {
	logger   logrus.FieldLogger
	fetcher  Fetcher
	licenses LicenseResolver
	baseURL  string
	limit    int
	types    []string
	now      func() time.Time
}

var _ Repository = (*Chemotion)(nil)

func NewChemotion(logger logrus.FieldLogger, fetcher Fetcher, licenses LicenseResolver, cfg ChemotionConfig) (*Chemotion, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("Chemotion base URL is empty")
	}
	if cfg.Limit == 0 {
		cfg.Limit = DefaultChemotionLimit
	}
	if cfg.Limit < 0 {
		return nil, errors.Errorf("limit must be a positive integer, got %d", cfg.Limit)
	}
	if len(cfg.Types) == 0 {
		cfg.Types = []string{"Sample"}
	}
	return &Chemotion{
		logger:   logger,
		fetcher:  fetcher,
		licenses: licenses,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		limit:    cfg.Limit,
		types:    cfg.Types,
		now:      time.Now,
	}, nil
}

func (c *Chemotion) ID() string { return "Chemotion_" + c.baseURL }

func (c *Chemotion) Name() string { return chemotionName }

func (c *Chemotion) RepositoryFDO() (*pidrecord.Record, error) {
	return repositoryFDO(c.baseURL, "Chemotion", "", c.now())
}

// All lists every publication up to now.
func (c *Chemotion) All(ctx context.Context) ([]Resource, error) {
	return c.TimeFrame(ctx, epoch, c.now())
}

// TimeFrame lists the publications of the configured types published between
// start and end and fetches their metadata.
func (c *Chemotion) TimeFrame(ctx context.Context, start, end time.Time) ([]Resource, error) {
	if err := ValidateTimeFrame(start, end); err != nil {
		return nil, err
	}

	var urls []string
	for _, typ := range c.types {
		list, err := c.list(ctx, typ, start, end)
		if err != nil {
			return nil, err
		}
		urls = append(urls, list...)
	}
	c.logger.WithField("count", len(urls)).Info("Found publications")

	resources := make([]Resource, 0, len(urls))
	for _, result := range c.fetcher.FetchMany(ctx, urls, false) {
		if result.Err != nil {
			// Extract fetches it again and reports the failure.
			c.logger.WithError(result.Err).WithField("url", result.URL).Warn("Publication metadata could not be fetched")
		}
		resources = append(resources, Resource{ID: result.URL, Data: result.Data})
	}
	return resources, nil
}

func (c *Chemotion) list(ctx context.Context, typ string, start, end time.Time) ([]string, error) {
	var urls []string
	for offset := 0; ; offset += c.limit {
		url := fmt.Sprintf(
			"%s/api/v1/public/metadata/publications?type=%s&offset=%d&limit=%d&date_from=%s&date_to=%s",
			c.baseURL, typ, offset, c.limit, chemotionDate(start), chemotionDate(end),
		)
		c.logger.WithField("url", url).Debug("Getting frame")

		data, err := c.fetcher.Fetch(ctx, url, true)
		if err != nil {
			return nil, errors.Wrap(err, "listing Chemotion publications")
		}
		var page struct {
			Publications *[]string `json:"publications"`
		}
		if err := json.Unmarshal(data, &page); err != nil || page.Publications == nil {
			return nil, errors.Errorf("invalid response from Chemotion repository: %s", url)
		}
		if len(*page.Publications) == 0 {
			return urls, nil
		}
		urls = append(urls, *page.Publications...)
	}
}

// chemotionDate formats dates the way the listing API expects them, without
// zero padding.
func chemotionDate(t time.Time) string {
	return fmt.Sprintf("%d-%d-%d", t.Year(), t.Month(), t.Day())
}

type chemotionDoc struct {
	ID                    text            `json:"@id"`
	Type                  text            `json:"@type"`
	Name                  text            `json:"name"`
	URL                   text            `json:"url"`
	Identifier            text            `json:"identifier"`
	License               text            `json:"license"`
	DateCreated           text            `json:"dateCreated"`
	DateModified          text            `json:"dateModified"`
	Author                json.RawMessage `json:"author"`
	Creator               json.RawMessage `json:"creator"`
	Contributor           json.RawMessage `json:"contributor"`
	MeasurementTechnique  json.RawMessage `json:"measurementTechnique"`
	About                 json.RawMessage `json:"about"`
	IncludedInDataCatalog *struct {
		License text `json:"license"`
	} `json:"includedInDataCatalog"`
}

type chemotionSubject struct {
	Image                text            `json:"image"`
	Name                 text            `json:"name"`
	URL                  text            `json:"url"`
	Identifier           text            `json:"identifier"`
	HasBioChemEntityPart json.RawMessage `json:"hasBioChemEntityPart"`
	SubjectOf            json.RawMessage `json:"subjectOf"`
}

type chemotionPerson struct {
	Identifier text `json:"identifier"`
	ID         text `json:"@id"`
}

// UnmarshalJSON ignores people given as plain names.
func (p *chemotionPerson) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		*p = chemotionPerson{}
		return nil
	}
	type person chemotionPerson
	return json.Unmarshal(data, (*person)(p))
}

// Extract maps a Chemotion Dataset or Study to a record.
func (c *Chemotion) Extract(ctx context.Context, res Resource, relate RelateFunc) (*pidrecord.Record, error) {
	if res.ID == "" {
		return nil, errors.New("resource has no URL")
	}
	data := res.Data
	if len(data) == 0 {
		var err error
		if data, err = c.fetcher.Fetch(ctx, res.ID, false); err != nil {
			return nil, errors.Wrapf(err, "fetching %s", res.ID)
		}
	}

	var doc chemotionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "invalid response from Chemotion repository for %s", res.ID)
	}

	switch doc.Type {
	case "Dataset":
		return c.dataset(ctx, &doc)
	case "Study":
		return c.study(ctx, &doc, relate)
	default:
		return nil, errors.Errorf("unsupported @type %q in %s", doc.Type, res.ID)
	}
}

func (c *Chemotion) generic(doc *chemotionDoc) (*pidrecord.Record, error) {
	if doc.ID == "" {
		return nil, errors.New("document has no @id")
	}
	pid, err := pidrecord.EncodePresumedPID(string(doc.ID))
	if err != nil {
		return nil, err
	}
	fdo, err := pidrecord.New(pid)
	if err != nil {
		return nil, err
	}

	var contacts []string
	seen := map[string]bool{}
	for _, raw := range []json.RawMessage{doc.Author, doc.Creator, doc.Contributor} {
		var people []chemotionPerson
		if err := oneOrMany(raw, &people); err != nil {
			return nil, errors.Wrap(err, "decoding contacts")
		}
		for _, p := range people {
			id := p.Identifier
			if id == "" {
				id = p.ID
			}
			if id != "" && !seen[string(id)] {
				seen[string(id)] = true
				contacts = append(contacts, string(id))
			}
		}
	}

	entries := []struct {
		key, name string
		value     text
	}{
		{pidrecord.KernelInformationProfile, "kernelInformationProfile", pidrecord.HelmholtzKIP},
		{pidrecord.DigitalObjectType, "digitalObjectType", pidrecord.MediaTypeJSON},
		{pidrecord.DigitalObjectLocation, "digitalObjectLocation", doc.ID},
		{pidrecord.ResourceType, "resourceType", text(doc.Type)},
		{pidrecord.DateModified, "dateModified", timestamp(doc.DateModified)},
		{pidrecord.DateCreated, "dateCreated", timestamp(doc.DateCreated)},
	}
	for _, e := range entries {
		if err := add(fdo, e.key, e.value, e.name); err != nil {
			return nil, err
		}
	}
	for _, id := range contacts {
		if err := fdo.AddEntry(pidrecord.Contact, orcidURL(id), "contact"); err != nil {
			return nil, err
		}
	}
	return fdo, nil
}

func (c *Chemotion) dataset(ctx context.Context, doc *chemotionDoc) (*pidrecord.Record, error) {
	c.logger.WithField("id", doc.ID).Debug("Mapping dataset to FAIR-DO")

	fdo, err := c.generic(doc)
	if err != nil {
		return nil, errors.Wrap(err, "mapping dataset")
	}
	if doc.Name == "" {
		return nil, errors.Errorf("dataset %s has no name", doc.ID)
	}

	var techniques []identified
	if err := oneOrMany(doc.MeasurementTechnique, &techniques); err != nil {
		return nil, errors.Wrapf(err, "decoding measurement technique of %s", doc.ID)
	}

	license, err := c.license(ctx, doc.License)
	if err != nil {
		return nil, err
	}

	if err := add(fdo, pidrecord.Name, doc.Name, "name"); err != nil {
		return nil, err
	}
	if err := add(fdo, pidrecord.LandingPageLocation, doc.URL, "landingPageLocation"); err != nil {
		return nil, err
	}
	if err := add(fdo, pidrecord.Identifier, doc.Identifier, "identifier"); err != nil {
		return nil, err
	}
	for _, t := range techniques {
		if err := add(fdo, pidrecord.NMRMethod, t.ID, "NMR method"); err != nil {
			return nil, err
		}
	}
	if err := add(fdo, pidrecord.License, license, "license"); err != nil {
		return nil, err
	}
	return fdo, nil
}

func (c *Chemotion) study(ctx context.Context, doc *chemotionDoc, relate RelateFunc) (*pidrecord.Record, error) {
	c.logger.WithField("id", doc.ID).Debug("Mapping study to FAIR-DO")

	fdo, err := c.generic(doc)
	if err != nil {
		return nil, errors.Wrap(err, "mapping study")
	}

	var subjects []chemotionSubject
	if err := oneOrMany(doc.About, &subjects); err != nil {
		return nil, errors.Wrapf(err, "decoding subject of %s", doc.ID)
	}
	if len(subjects) == 0 {
		return nil, errors.Errorf("study %s has no subject", doc.ID)
	}
	subject := subjects[0]

	var license text
	if doc.IncludedInDataCatalog != nil {
		if license, err = c.license(ctx, doc.IncludedInDataCatalog.License); err != nil {
			return nil, err
		}
	}

	for _, e := range []struct {
		key, name string
		value     text
	}{
		{pidrecord.LocationPreview, "locationPreview", subject.Image},
		{pidrecord.Name, "name", subject.Name},
		{pidrecord.LandingPageLocation, "landingPageLocation", subject.URL},
		{pidrecord.License, "license", license},
		{pidrecord.Identifier, "identifier", subject.Identifier},
	} {
		if err := add(fdo, e.key, e.value, e.name); err != nil {
			return nil, err
		}
	}

	var parts []struct {
		MolecularWeight number `json:"molecularWeight"`
		URL             text   `json:"url"`
	}
	if err := oneOrMany(subject.HasBioChemEntityPart, &parts); err != nil {
		return nil, errors.Wrapf(err, "decoding compounds of %s", doc.ID)
	}
	var compounds []pidrecord.Entry
	for _, part := range parts {
		e, ok, err := compound(part.MolecularWeight, "")
		if err != nil {
			return nil, err
		}
		if ok {
			compounds = append(compounds, e)
		}
	}
	if err := fdo.AddEntries(compounds...); err != nil {
		return nil, err
	}

	var datasets []identified
	if err := oneOrMany(subject.SubjectOf, &datasets); err != nil {
		return nil, errors.Wrapf(err, "decoding datasets of %s", doc.ID)
	}
	for _, dataset := range datasets {
		if dataset.ID == "" {
			c.logger.WithField("study", doc.ID).Warn("Dataset reference without @id")
			continue
		}
		presumed, err := pidrecord.EncodePresumedPID(string(dataset.ID))
		if err != nil {
			return nil, err
		}
		entries := append([]pidrecord.Entry{{Key: pidrecord.HasMetadata, Value: fdo.PID, Name: "hasMetadata"}}, compounds...)
		err = relate(ctx, presumed, entries, func(pid string) {
			if err := fdo.AddEntry(pidrecord.IsMetadataFor, pid, "isMetadataFor"); err != nil {
				c.logger.WithError(err).WithField("study", fdo.PID).Error("Error adding dataset reference to study")
			}
		})
		if err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{"study": fdo.PID, "dataset": dataset.ID}).Error("Error adding dataset reference to study")
		}
	}

	return fdo, nil
}

func (c *Chemotion) license(ctx context.Context, s text) (text, error) {
	if s == "" {
		return "", nil
	}
	url, err := c.licenses.URL(ctx, string(s))
	if err != nil {
		return "", errors.Wrap(err, "resolving license")
	}
	return text(url), nil
}

// repositoryFDO describes a repository served at baseURL.
func repositoryFDO(baseURL, name, preview string, now time.Time) (*pidrecord.Record, error) {
	pid, err := pidrecord.EncodePresumedPID(baseURL)
	if err != nil {
		return nil, err
	}
	fdo, err := pidrecord.New(pid)
	if err != nil {
		return nil, err
	}
	for _, e := range []struct {
		key, name string
		value     text
	}{
		{pidrecord.KernelInformationProfile, "kernelInformationProfile", pidrecord.HelmholtzKIP},
		{pidrecord.DigitalObjectType, "digitalObjectType", pidrecord.MediaTypeHTML},
		{pidrecord.DigitalObjectLocation, "digitalObjectLocation", text(baseURL)},
		{pidrecord.LandingPageLocation, "landingPageLocation", text(baseURL)},
		{pidrecord.LocationPreview, "locationPreview", text(preview)},
		{pidrecord.DateCreated, "dateCreated", text(now.UTC().Format(time.RFC3339))},
		{pidrecord.Name, "name", text(name)},
		{pidrecord.ResourceType, "resourceType", "Repository"},
	} {
		if err := add(fdo, e.key, e.value, e.name); err != nil {
			return nil, err
		}
	}
	return fdo, nil
}
