package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/kit-data-manager/nmr-fairdos/pidrecord"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	// DefaultNMRXivURL is the public NMRXiv instance.
	DefaultNMRXivURL = "https://nmrxiv.org"

	nmrxivName      = "nmrxiv"
	nmrxivPrefix    = "NMRXIV:"
	nmrxivCacheFile = "nmrxiv_resources.json"
	nmrxivPreview   = "https://avatars.githubusercontent.com/u/65726315"

	// Ontology terms the measured variables are restricted to.
	chebiNMRSolvent = "http://purl.obolibrary.org/obo/CHEBI_197449"
	chebiAtom       = "http://purl.obolibrary.org/obo/CHEBI_33250"
)

var nmrxivCategories = []string{"datasets", "samples", "projects"}

// NMRXivConfig configures an NMRXiv repository.
type NMRXivConfig struct {
	BaseURL string

	// Fresh disables the cached resource list and the document cache.
	Fresh bool

	// CacheFS and CacheDir locate the cached resource list. Caching is
	// disabled when CacheFS is nil.
	CacheFS  afero.Fs
	CacheDir string
}

// NMRXiv harvests the listing and bioschema APIs of NMRXiv.
type NMRXiv struct {
	logger   logrus.FieldLogger
	fetcher  Fetcher
	licenses LicenseResolver
	terms    TermSearcher
	baseURL  string
	fresh    bool
	cacheFS  afero.Fs
	cacheDir string
	now      func() time.Time
}

var _ Repository = (*NMRXiv)(nil)

func NewNMRXiv(logger logrus.FieldLogger, fetcher Fetcher, licenses LicenseResolver, terms TermSearcher, cfg NMRXivConfig) (*NMRXiv, error) {
	if terms == nil {
		return nil, errors.New("a terminology service is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultNMRXivURL
	}
	return &NMRXiv{
		logger:   logger,
		fetcher:  fetcher,
		licenses: licenses,
		terms:    terms,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		fresh:    cfg.Fresh,
		cacheFS:  cfg.CacheFS,
		cacheDir: cfg.CacheDir,
		now:      time.Now,
	}, nil
}

func (n *NMRXiv) ID() string { return "NMRXiv_" + n.baseURL }

func (n *NMRXiv) Name() string { return nmrxivName }

func (n *NMRXiv) RepositoryFDO() (*pidrecord.Record, error) {
	return repositoryFDO(n.baseURL, "NMRXiv", nmrxivPreview, n.now())
}

// All lists every dataset, sample and project.
func (n *NMRXiv) All(ctx context.Context) ([]Resource, error) {
	return n.TimeFrame(ctx, epoch, n.now())
}

// TimeFrame lists the datasets, samples and projects created or updated
// between start and end, each joined with its bioschema. Unless fresh
// harvesting is configured, a cached list harvested for a window covering
// [start, end] is filtered and returned instead.
func (n *NMRXiv) TimeFrame(ctx context.Context, start, end time.Time) ([]Resource, error) {
	if err := ValidateTimeFrame(start, end); err != nil {
		return nil, err
	}

	if !n.fresh {
		if resources, ok := n.loadCache(start, end); ok {
			n.logger.WithField("count", len(resources)).Info("Using cached NMRXiv resources")
			return resources, nil
		}
	}

	var resources []Resource
	for _, category := range nmrxivCategories {
		list, err := n.category(ctx, category, start, end)
		if err != nil {
			return nil, err
		}
		resources = append(resources, list...)
	}

	if err := n.saveCache(start, end, resources); err != nil {
		n.logger.WithError(err).Warn("NMRXiv resources could not be cached")
	}
	return resources, nil
}

type nmrxivListing struct {
	Identifier text `json:"identifier"`
	DOI        text `json:"doi"`
	CreatedAt  text `json:"created_at"`
	UpdatedAt  text `json:"updated_at"`
}

func (n *NMRXiv) category(ctx context.Context, category string, start, end time.Time) ([]Resource, error) {
	url := n.baseURL + "/api/v1/list/" + category

	var resources []Resource
	for {
		n.logger.WithField("url", url).Debug("Getting frame")
		data, err := n.fetcher.Fetch(ctx, url, true)
		if err != nil {
			return nil, errors.Wrapf(err, "listing NMRXiv %s", category)
		}
		var page struct {
			Data  []json.RawMessage `json:"data"`
			Links struct {
				Next text `json:"next"`
			} `json:"links"`
		}
		if err := json.Unmarshal(data, &page); err != nil || page.Data == nil {
			return nil, errors.Errorf("invalid response from NMRXiv repository: %s", url)
		}

		var (
			elems []map[string]interface{}
			urls  []string
		)
		for _, raw := range page.Data {
			var l nmrxivListing
			if err := json.Unmarshal(raw, &l); err != nil {
				n.logger.WithError(err).WithField("url", url).Error("Invalid listing element")
				continue
			}
			logger := n.logger.WithField("doi", l.DOI)
			in, err := inTimeFrame(l, start, end)
			if err != nil {
				logger.WithError(err).Error("Resource skipped")
				continue
			}
			if !in {
				logger.Debug("Resource is not in the time frame")
				continue
			}
			id := strings.TrimPrefix(string(l.Identifier), nmrxivPrefix)
			if id == "" {
				logger.Error("Resource has no identifier")
				continue
			}
			elem, err := decodeGeneric(raw)
			if err != nil {
				logger.WithError(err).Error("Invalid listing element")
				continue
			}
			elems = append(elems, elem)
			urls = append(urls, n.baseURL+"/api/v1/schemas/bioschemas/"+id)
		}

		for i, result := range n.fetcher.FetchMany(ctx, urls, n.fresh) {
			if result.Err != nil {
				n.logger.WithError(result.Err).WithField("url", result.URL).Error("Error fetching bioschema")
				continue
			}
			bioschema, err := decodeGeneric(result.Data)
			if err != nil {
				n.logger.WithError(err).WithField("url", result.URL).Error("Invalid bioschema")
				continue
			}
			res, err := newNMRXivResource(elems[i], bioschema)
			if err != nil {
				n.logger.WithError(err).WithField("url", result.URL).Error("Resource skipped")
				continue
			}
			resources = append(resources, res)
		}

		next := string(page.Links.Next)
		if next == "" || next == "null" {
			break
		}
		url = next
	}

	n.logger.WithFields(logrus.Fields{"category": category, "count": len(resources)}).Info("Found resources")
	return resources, nil
}

func inTimeFrame(l nmrxivListing, start, end time.Time) (bool, error) {
	if l.CreatedAt == "" {
		return false, errors.New("resource has no creation date")
	}
	within := func(s text) (bool, error) {
		t, err := parseTime(s)
		if err != nil {
			return false, err
		}
		return !t.Before(start) && !t.After(end), nil
	}
	ok, err := within(l.CreatedAt)
	if err != nil || ok || l.UpdatedAt == "" {
		return ok, err
	}
	return within(l.UpdatedAt)
}

func decodeGeneric(data []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("not a JSON object")
	}
	return m, nil
}

func newNMRXivResource(original, bioschema map[string]interface{}) (Resource, error) {
	data, err := json.Marshal(map[string]interface{}{
		"original":  stripDescriptions(original),
		"bioschema": stripDescriptions(bioschema),
	})
	if err != nil {
		return Resource{}, err
	}
	id, _ := original["doi"].(string)
	if id == "" {
		id, _ = original["identifier"].(string)
	}
	return Resource{ID: id, Data: data}, nil
}

// stripDescriptions drops the bulky description and sdf fields throughout
// the nested parts of a resource. Nested parts are normalised to lists.
func stripDescriptions(v interface{}) interface{} {
	m, ok := v.(map[string]interface{})
	if !ok {
		return v
	}
	delete(m, "description")
	delete(m, "sdf")
	for _, key := range []string{"hasPart", "isPartOf", "samples", "studies"} {
		nested, ok := m[key]
		if !ok {
			continue
		}
		list, isList := nested.([]interface{})
		if !isList {
			list = []interface{}{nested}
		}
		parts := make([]interface{}, 0, len(list))
		for _, part := range list {
			parts = append(parts, stripDescriptions(part))
		}
		m[key] = parts
	}
	return m
}

func (n *NMRXiv) cachePath() string {
	return filepath.Join(n.cacheDir, nmrxivCacheFile)
}

// nmrxivCache is the resource list of one harvest and its time frame.
type nmrxivCache struct {
	Start     time.Time  `json:"start"`
	End       time.Time  `json:"end"`
	Resources []Resource `json:"resources"`
}

func (n *NMRXiv) loadCache(start, end time.Time) ([]Resource, bool) {
	if n.cacheFS == nil {
		return nil, false
	}
	data, err := afero.ReadFile(n.cacheFS, n.cachePath())
	if err != nil {
		return nil, false
	}
	var cache nmrxivCache
	if err := json.Unmarshal(data, &cache); err != nil || cache.Resources == nil {
		n.logger.WithField("path", n.cachePath()).Error("Invalid resources file, fetching from scratch")
		return nil, false
	}
	if start.Before(cache.Start) || end.After(cache.End) {
		n.logger.WithFields(logrus.Fields{
			"cached_start": cache.Start,
			"cached_end":   cache.End,
		}).Debug("Cached resources do not cover the time frame")
		return nil, false
	}

	resources := make([]Resource, 0, len(cache.Resources))
	for _, res := range cache.Resources {
		var doc struct {
			Original nmrxivListing `json:"original"`
		}
		if err := json.Unmarshal(res.Data, &doc); err != nil {
			return nil, false
		}
		if in, err := inTimeFrame(doc.Original, start, end); err != nil || !in {
			continue
		}
		resources = append(resources, res)
	}
	return resources, true
}

func (n *NMRXiv) saveCache(start, end time.Time, resources []Resource) error {
	if n.cacheFS == nil {
		return nil
	}
	if resources == nil {
		resources = []Resource{}
	}
	data, err := json.Marshal(nmrxivCache{Start: start, End: end, Resources: resources})
	if err != nil {
		return err
	}
	return afero.WriteFile(n.cacheFS, n.cachePath(), data, 0644)
}

type nmrxivOriginal struct {
	Identifier text `json:"identifier"`
	DOI        text `json:"doi"`
	Name       text `json:"name"`
	CreatedAt  text `json:"created_at"`
	UpdatedAt  text `json:"updated_at"`
	License    *struct {
		SPDXID text `json:"spdx_id"`
	} `json:"license"`
	Authors []struct {
		ORCID text `json:"orcid_id"`
		Email text `json:"email"`
	} `json:"authors"`
	Owner *struct {
		Email text `json:"email"`
	} `json:"owner"`
	Users []struct {
		Email text `json:"email"`
	} `json:"users"`
	DownloadURL      text            `json:"download_url"`
	PublicURL        text            `json:"public_url"`
	DatasetPhotoURL  text            `json:"dataset_photo_url"`
	PhotoURL         text            `json:"photo_url"`
	StudyPreviewURLs json.RawMessage `json:"study_preview_urls"`
	StudyPhotoURLs   []text          `json:"study_photo_urls"`
	Molecules        []struct {
		MolecularWeight number `json:"molecular_weight"`
	} `json:"molecules"`
}

type nmrxivBioschema struct {
	Type                 text            `json:"@type"`
	ID                   text            `json:"@id"`
	URL                  text            `json:"url"`
	License              text            `json:"license"`
	MeasurementTechnique json.RawMessage `json:"measurementTechnique"`
	VariableMeasured     json.RawMessage `json:"variableMeasured"`
	IsPartOf             json.RawMessage `json:"isPartOf"`
	About                json.RawMessage `json:"about"`
	HasPart              json.RawMessage `json:"hasPart"`
}

type nmrxivDocument struct {
	Original  *nmrxivOriginal  `json:"original"`
	Bioschema *nmrxivBioschema `json:"bioschema"`
}

type biochemPart struct {
	MolecularWeight number `json:"molecularWeight"`
	URL             text   `json:"url"`
	ChemicalFormula text   `json:"chemicalFormula"`
}

// Extract maps an NMRXiv dataset, sample (study) or project to a record.
func (n *NMRXiv) Extract(ctx context.Context, res Resource, relate RelateFunc) (*pidrecord.Record, error) {
	var doc nmrxivDocument
	if err := json.Unmarshal(res.Data, &doc); err != nil {
		return nil, errors.Wrapf(err, "invalid resource %s", res.ID)
	}
	if doc.Original == nil || doc.Bioschema == nil {
		return nil, errors.Errorf("resource %s is missing original or bioschema data", res.ID)
	}
	if doc.Original.DOI == "" {
		return nil, errors.Errorf("resource %s has no DOI", res.ID)
	}

	kind := strings.TrimPrefix(string(doc.Original.Identifier), nmrxivPrefix)
	if kind == "" {
		return nil, errors.Errorf("resource %s has no identifier", res.ID)
	}
	switch kind[0] {
	case 'D':
		return n.dataset(ctx, &doc)
	case 'S':
		return n.study(ctx, &doc, relate)
	case 'P':
		return n.project(ctx, &doc, relate)
	default:
		return nil, errors.Errorf("resource %s is neither a dataset nor a sample nor a project", res.ID)
	}
}

func presumedDOI(doi text) (string, error) {
	return pidrecord.EncodePresumedPID(strings.TrimPrefix(string(doi), doiPrefix))
}

func (n *NMRXiv) generic(ctx context.Context, doc *nmrxivDocument) (*pidrecord.Record, error) {
	o, b := doc.Original, doc.Bioschema

	pid, err := presumedDOI(o.DOI)
	if err != nil {
		return nil, err
	}
	fdo, err := pidrecord.New(pid)
	if err != nil {
		return nil, err
	}

	doi := strings.TrimPrefix(string(o.DOI), doiPrefix)
	for _, e := range []struct {
		key, name string
		value     text
	}{
		{pidrecord.KernelInformationProfile, "kernelInformationProfile", pidrecord.HelmholtzKIP},
		{pidrecord.DigitalObjectType, "digitalObjectType", pidrecord.MediaTypeJSON},
		{pidrecord.Name, "name", o.Name},
		{pidrecord.Identifier, "identifier", text(doi)},
	} {
		if err := add(fdo, e.key, e.value, e.name); err != nil {
			return nil, err
		}
	}

	for _, d := range []struct {
		key, name string
		value     text
	}{
		{pidrecord.DateCreated, "dateCreated", o.CreatedAt},
		{pidrecord.DateModified, "dateModified", o.UpdatedAt},
	} {
		if d.value == "" {
			continue
		}
		t, err := parseTime(d.value)
		if err != nil {
			return nil, err
		}
		if err := fdo.AddEntry(d.key, t.UTC().Format(time.RFC3339), d.name); err != nil {
			return nil, err
		}
	}

	license := b.License
	if o.License != nil && o.License.SPDXID != "" {
		license = o.License.SPDXID
	}
	if license != "" {
		url, err := n.licenses.URL(ctx, string(license))
		if err != nil {
			return nil, errors.Wrap(err, "resolving license")
		}
		if err := fdo.AddEntry(pidrecord.License, url, "license"); err != nil {
			return nil, err
		}
	}

	if err := n.contacts(fdo, o); err != nil {
		return nil, err
	}

	location := o.DownloadURL
	if location == "" {
		location = text("https://dx.doi.org/" + doi)
	}
	if err := add(fdo, pidrecord.DigitalObjectLocation, location, "digitalObjectLocation"); err != nil {
		return nil, err
	}

	return fdo, nil
}

// contacts adds the authors, falling back to the owner and then the users
// when no author is usable.
func (n *NMRXiv) contacts(fdo *pidrecord.Record, o *nmrxivOriginal) error {
	found := false
	for _, author := range o.Authors {
		var err error
		switch {
		case author.ORCID != "":
			err = fdo.AddEntry(pidrecord.Contact, orcidURL(string(author.ORCID)), "contact")
		case author.Email != "":
			err = fdo.AddEntry(pidrecord.EmailContact, string(author.Email), "emailContact")
		default:
			continue
		}
		if err != nil {
			return err
		}
		found = true
	}
	if found {
		return nil
	}
	if o.Owner != nil && o.Owner.Email != "" {
		return fdo.AddEntry(pidrecord.EmailContact, string(o.Owner.Email), "emailContact")
	}
	for _, user := range o.Users {
		if err := add(fdo, pidrecord.EmailContact, user.Email, "emailContact"); err != nil {
			return err
		}
	}
	return nil
}

func landingPage(o *nmrxivOriginal, b *nmrxivBioschema) text {
	if o.PublicURL != "" {
		return o.PublicURL
	}
	return b.URL
}

type measuredVariable struct {
	Name  text            `json:"name"`
	Value json.RawMessage `json:"value"`
}

func (n *NMRXiv) dataset(ctx context.Context, doc *nmrxivDocument) (*pidrecord.Record, error) {
	o, b := doc.Original, doc.Bioschema
	if !strings.HasPrefix(string(o.Identifier), nmrxivPrefix+"D") || b.Type != "Dataset" {
		return nil, errors.Errorf("resource %s is not a dataset", o.DOI)
	}
	n.logger.WithField("id", b.ID).Debug("Mapping dataset to FAIR-DO")

	fdo, err := n.generic(ctx, doc)
	if err != nil {
		return nil, errors.Wrap(err, "mapping dataset")
	}

	if err := fdo.AddEntry(pidrecord.ResourceType, "Dataset", "resourceType"); err != nil {
		return nil, err
	}

	var techniques []struct {
		URL text `json:"url"`
	}
	if err := oneOrMany(b.MeasurementTechnique, &techniques); err != nil {
		return nil, errors.Wrap(err, "decoding measurement technique")
	}
	for _, t := range techniques {
		if t.URL == "" {
			n.logger.WithField("id", b.ID).Info("Measurement technique has no URL")
			continue
		}
		if err := fdo.AddEntry(pidrecord.NMRMethod, string(t.URL), "NMR method"); err != nil {
			return nil, err
		}
	}

	if err := add(fdo, pidrecord.LandingPageLocation, landingPage(o, b), "landingPageLocation"); err != nil {
		return nil, err
	}
	if err := add(fdo, pidrecord.LocationPreview, o.DatasetPhotoURL, "locationPreview"); err != nil {
		return nil, err
	}

	if err := n.variables(ctx, fdo, b); err != nil {
		return nil, err
	}

	var parts []struct {
		Name                 text         `json:"name"`
		HasBioChemEntityPart *biochemPart `json:"hasBioChemEntityPart"`
	}
	if err := oneOrMany(b.IsPartOf, &parts); err != nil {
		return nil, errors.Wrap(err, "decoding parts")
	}
	for _, part := range parts {
		if part.Name != "" {
			if err := fdo.UpdateEntry(pidrecord.Name, string(o.Name)+"-"+string(part.Name), "name"); err != nil {
				return nil, err
			}
		}
		bp := part.HasBioChemEntityPart
		if bp == nil {
			continue
		}
		e, ok, err := compound(bp.MolecularWeight, bp.URL)
		if err != nil {
			return nil, err
		}
		if ok {
			if err := fdo.AddEntries(e); err != nil {
				return nil, err
			}
		}
		if len(bp.ChemicalFormula) > 1 {
			if err := fdo.UpdateEntry(pidrecord.Name, string(o.Name)+"-"+string(bp.ChemicalFormula), "name"); err != nil {
				return nil, err
			}
		}
	}

	return fdo, nil
}

// variables maps the measured variables of a dataset to NMR attributes.
func (n *NMRXiv) variables(ctx context.Context, fdo *pidrecord.Record, b *nmrxivBioschema) error {
	var variables []measuredVariable
	if err := oneOrMany(b.VariableMeasured, &variables); err != nil {
		return errors.Wrap(err, "decoding measured variables")
	}

	for _, v := range variables {
		logger := n.logger.WithField("variable", v.Name)
		var values []interface{}
		if err := oneOrMany(v.Value, &values); err != nil {
			return errors.Wrapf(err, "decoding variable %s", v.Name)
		}
		if v.Name == "" || len(values) == 0 {
			logger.Warn("Skipping variable without name or value")
			continue
		}

		for _, raw := range values {
			value, ok := raw.(string)
			if !ok {
				logger.WithField("value", raw).Warn("Skipping variable value that is not a string")
				continue
			}

			var err error
			switch v.Name {
			case "NMR solvent":
				err = n.term(ctx, fdo, value, chebiNMRSolvent, pidrecord.NMRSolvent, "NMR solvent")
			case "acquisition nucleus":
				err = n.term(ctx, fdo, value, chebiAtom, pidrecord.AcquisitionNucleus, "acquisitionNucleus")
			case "irridation frequency", "irradiation frequency":
				err = fdo.AddEntry(pidrecord.NominalProtonFrequency, value, "nominalProtonFrequency")
			case "nuclear magnetic resonance pulse sequence":
				err = fdo.AddEntry(pidrecord.PulseSequenceName, value, "pulseSequenceName")
			}
			if err != nil {
				return errors.Wrapf(err, "mapping variable %s", v.Name)
			}
		}
	}
	return nil
}

func (n *NMRXiv) term(ctx context.Context, fdo *pidrecord.Record, value, parent, key, name string) error {
	iri, err := n.terms.SearchTerm(ctx, value, "chebi", parent)
	if err != nil {
		return err
	}
	if iri == "" {
		n.logger.WithFields(logrus.Fields{"value": value, "parent": parent}).Debug("No ontology term found")
		return nil
	}
	return fdo.AddEntry(key, iri, name)
}

func (n *NMRXiv) study(ctx context.Context, doc *nmrxivDocument, relate RelateFunc) (*pidrecord.Record, error) {
	o, b := doc.Original, doc.Bioschema
	switch {
	case !strings.HasPrefix(string(o.Identifier), nmrxivPrefix+"S"):
		return nil, errors.Errorf("resource %s is not a sample", o.DOI)
	case len(o.StudyPreviewURLs) == 0:
		return nil, errors.Errorf("resource %s has no study preview URLs and can therefore not be a study", o.DOI)
	case b.Type != "Study":
		return nil, errors.Errorf("bioschema of %s has @type %q instead of Study", o.DOI, b.Type)
	}
	n.logger.WithField("id", b.ID).Debug("Mapping sample to FAIR-DO")

	fdo, err := n.generic(ctx, doc)
	if err != nil {
		return nil, errors.Wrap(err, "mapping sample")
	}
	if err := fdo.AddEntry(pidrecord.ResourceType, "Study", "resourceType"); err != nil {
		return nil, err
	}
	if err := add(fdo, pidrecord.LandingPageLocation, landingPage(o, b), "landingPageLocation"); err != nil {
		return nil, err
	}
	for _, url := range o.StudyPhotoURLs {
		if err := add(fdo, pidrecord.LocationPreview, url, "locationPreview"); err != nil {
			return nil, err
		}
	}

	compounds, err := n.compounds(b, o)
	if err != nil {
		return nil, err
	}
	if err := fdo.AddEntries(compounds...); err != nil {
		return nil, err
	}

	var parts []identified
	if err := oneOrMany(b.HasPart, &parts); err != nil {
		return nil, errors.Wrap(err, "decoding datasets of study")
	}

	var previews []pidrecord.Entry
	for _, url := range fdo.Values(pidrecord.LocationPreview) {
		previews = append(previews, pidrecord.Entry{Key: pidrecord.LocationPreview, Value: url, Name: "locationPreview"})
	}

	for _, part := range parts {
		if part.ID == "" {
			n.logger.WithField("study", fdo.PID).Error("Dataset of study has no @id")
			continue
		}
		presumed, err := presumedDOI(part.ID)
		if err != nil {
			return nil, err
		}
		entries := []pidrecord.Entry{{Key: pidrecord.HasMetadata, Value: fdo.PID, Name: "hasMetadata"}}
		entries = append(entries, previews...)
		entries = append(entries, compounds...)
		n.relate(ctx, relate, fdo, presumed, entries)
	}

	return fdo, nil
}

// compounds reads the characterized compounds of a study from its
// bioschema, or from the molecules of the original record.
func (n *NMRXiv) compounds(b *nmrxivBioschema, o *nmrxivOriginal) ([]pidrecord.Entry, error) {
	var about []struct {
		HasBioChemEntityPart json.RawMessage `json:"hasBioChemEntityPart"`
	}
	if err := oneOrMany(b.About, &about); err != nil {
		return nil, errors.Wrap(err, "decoding study subject")
	}

	var (
		entries []pidrecord.Entry
		fromBio bool
	)
	for _, a := range about {
		raw := bytes.TrimSpace(a.HasBioChemEntityPart)
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			continue
		}
		fromBio = true
		var parts []*biochemPart
		if err := oneOrMany(raw, &parts); err != nil {
			return nil, errors.Wrap(err, "decoding compounds")
		}
		for _, part := range parts {
			if part == nil {
				continue
			}
			e, ok, err := compound(part.MolecularWeight, part.URL)
			if err != nil {
				return nil, err
			}
			if !ok {
				n.logger.WithField("id", b.ID).Warn("Compound has neither molecular weight nor URL")
				continue
			}
			entries = append(entries, e)
		}
	}
	if fromBio {
		return entries, nil
	}

	for _, m := range o.Molecules {
		e, ok, err := compound(m.MolecularWeight, "")
		if err != nil {
			return nil, err
		}
		if ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (n *NMRXiv) project(ctx context.Context, doc *nmrxivDocument, relate RelateFunc) (*pidrecord.Record, error) {
	o, b := doc.Original, doc.Bioschema
	if !strings.HasPrefix(string(o.Identifier), nmrxivPrefix+"P") {
		return nil, errors.Errorf("resource %s is not a project", o.DOI)
	}
	n.logger.WithField("id", b.ID).Debug("Mapping project to FAIR-DO")

	fdo, err := n.generic(ctx, doc)
	if err != nil {
		return nil, errors.Wrap(err, "mapping project")
	}
	if err := fdo.AddEntry(pidrecord.ResourceType, "Project", "resourceType"); err != nil {
		return nil, err
	}
	if err := add(fdo, pidrecord.LandingPageLocation, landingPage(o, b), "landingPageLocation"); err != nil {
		return nil, err
	}
	if err := add(fdo, pidrecord.LocationPreview, o.PhotoURL, "locationPreview"); err != nil {
		return nil, err
	}

	var studies []identified
	if err := oneOrMany(b.HasPart, &studies); err != nil {
		return nil, errors.Wrap(err, "decoding studies of project")
	}
	for _, study := range studies {
		if study.ID == "" {
			return nil, errors.Errorf("a study of project %s has no @id", o.DOI)
		}
	}
	for _, study := range studies {
		presumed, err := presumedDOI(study.ID)
		if err != nil {
			return nil, err
		}
		entries := []pidrecord.Entry{{Key: pidrecord.HasMetadata, Value: fdo.PID, Name: "hasMetadata"}}
		n.relate(ctx, relate, fdo, presumed, entries)
	}

	return fdo, nil
}

// relate adds entries to the record presumed identifies and, once that
// succeeds, references it from fdo.
func (n *NMRXiv) relate(ctx context.Context, relate RelateFunc, fdo *pidrecord.Record, presumed string, entries []pidrecord.Entry) {
	logger := n.logger.WithFields(logrus.Fields{"pid": fdo.PID, "target": presumed})
	err := relate(ctx, presumed, entries, func(pid string) {
		if err := fdo.AddEntry(pidrecord.IsMetadataFor, pid, "isMetadataFor"); err != nil {
			logger.WithError(err).Error("Error adding metadata reference")
		}
	})
	if err != nil {
		logger.WithError(err).Error("Error adding reference")
	}
}
