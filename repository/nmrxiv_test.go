package repository

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kit-data-manager/nmr-fairdos/internal/testutil"
	"github.com/kit-data-manager/nmr-fairdos/pidrecord"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	nmrxivDatasetDOI = "10.57992/nmrxiv.p1.s1.d1"
	pubchemEthanol   = "https://pubchem.ncbi.nlm.nih.gov/compound/702"
)

func newNMRXiv(t *testing.T, baseURL string, terms TermSearcher, fs afero.Fs) *NMRXiv {
	t.Helper()
	logger, _ := testutil.Logger()
	n, err := NewNMRXiv(logger, newFetcher(t, fs), licenses, terms, NMRXivConfig{
		BaseURL:  baseURL,
		CacheFS:  fs,
		CacheDir: "/cache",
	})
	require.NoError(t, err)
	return n
}

func TestNewNMRXiv(t *testing.T) {
	logger, _ := testutil.Logger()

	_, err := NewNMRXiv(logger, nil, licenses, nil, NMRXivConfig{})
	assert.Error(t, err)

	n, err := NewNMRXiv(logger, nil, licenses, &termsMock{}, NMRXivConfig{})
	require.NoError(t, err)
	assert.Equal(t, DefaultNMRXivURL, n.baseURL)
	assert.Equal(t, "nmrxiv", n.Name())
}

func TestNMRXivTimeFrame(t *testing.T) {
	var (
		ts    *httptest.Server
		lists int32
	)
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/list/datasets":
			atomic.AddInt32(&lists, 1)
			if r.URL.Query().Get("page") == "2" {
				_, _ = w.Write([]byte(`{"data": [{"identifier": "NMRXIV:D4", "doi": "https://doi.org/d4"}], "links": {"next": null}}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{
					{"identifier": "NMRXIV:D1", "doi": "https://doi.org/d1", "created_at": "2023-03-06T12:00:00.000000Z", "description": "long text"},
					{"identifier": "NMRXIV:D2", "doi": "https://doi.org/d2", "created_at": "2020-01-01 00:00:00", "updated_at": "2023-03-10 00:00:00"},
					{"identifier": "NMRXIV:D3", "doi": "https://doi.org/d3", "created_at": "2019-01-01 00:00:00"},
				},
				"links": map[string]interface{}{"next": ts.URL + "/api/v1/list/datasets?page=2"},
			})
		case "/api/v1/list/samples":
			atomic.AddInt32(&lists, 1)
			_, _ = w.Write([]byte(`{"data": [], "links": {"next": "null"}}`))
		case "/api/v1/list/projects":
			atomic.AddInt32(&lists, 1)
			_, _ = w.Write([]byte(`{"data": [], "links": {"next": ""}}`))
		case "/api/v1/schemas/bioschemas/D1":
			_, _ = w.Write([]byte(`{"@type": "Dataset", "description": "long", "sdf": "blob", "hasPart": {"@id": "x", "description": "y"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	fs := afero.NewMemMapFs()
	n := newNMRXiv(t, ts.URL, &termsMock{}, fs)
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)

	resources, err := n.TimeFrame(context.Background(), start, end)
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, "https://doi.org/d1", resources[0].ID)
	assert.Equal(t, int32(4), atomic.LoadInt32(&lists))

	var doc map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(resources[0].Data, &doc))
	assert.Equal(t, "NMRXIV:D1", doc["original"]["identifier"])
	assert.NotContains(t, doc["original"], "description")
	assert.NotContains(t, doc["bioschema"], "description")
	assert.NotContains(t, doc["bioschema"], "sdf")
	assert.Equal(t, []interface{}{map[string]interface{}{"@id": "x"}}, doc["bioschema"]["hasPart"])

	ok, err := afero.Exists(fs, "/cache/"+nmrxivCacheFile)
	require.NoError(t, err)
	assert.True(t, ok)

	// The cached list is reused.
	cached, err := n.TimeFrame(context.Background(), start, end)
	require.NoError(t, err)
	assert.Equal(t, resources, cached)
	assert.Equal(t, int32(4), atomic.LoadInt32(&lists))

	n.fresh = true
	_, err = n.TimeFrame(context.Background(), start, end)
	require.NoError(t, err)
	assert.Equal(t, int32(8), atomic.LoadInt32(&lists))
}

func TestNMRXivTimeFrameCacheWindow(t *testing.T) {
	var lists int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/list/datasets":
			atomic.AddInt32(&lists, 1)
			_, _ = w.Write([]byte(`{"data": [
				{"identifier": "NMRXIV:D1", "doi": "https://doi.org/d1", "created_at": "2020-05-01 00:00:00"},
				{"identifier": "NMRXIV:D2", "doi": "https://doi.org/d2", "created_at": "2023-03-01 00:00:00"}
			], "links": {"next": null}}`))
		case "/api/v1/list/samples", "/api/v1/list/projects":
			atomic.AddInt32(&lists, 1)
			_, _ = w.Write([]byte(`{"data": [], "links": {"next": null}}`))
		case "/api/v1/schemas/bioschemas/D1", "/api/v1/schemas/bioschemas/D2":
			_, _ = w.Write([]byte(`{"@type": "Dataset"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	n := newNMRXiv(t, ts.URL, &termsMock{}, afero.NewMemMapFs())
	ctx := context.Background()
	ids := func(resources []Resource) []string {
		var ids []string
		for _, res := range resources {
			ids = append(ids, res.ID)
		}
		return ids
	}

	resources, err := n.TimeFrame(ctx, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2020, 12, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://doi.org/d1"}, ids(resources))
	assert.Equal(t, int32(3), atomic.LoadInt32(&lists))

	// The list cached for 2020 does not cover 2023.
	resources, err = n.TimeFrame(ctx, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://doi.org/d2"}, ids(resources))
	assert.Equal(t, int32(6), atomic.LoadInt32(&lists))

	// A narrower window is served from the cache and filtered.
	resources, err = n.TimeFrame(ctx, time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC), time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, resources)
	resources, err = n.TimeFrame(ctx, time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://doi.org/d2"}, ids(resources))
	assert.Equal(t, int32(6), atomic.LoadInt32(&lists))
}

func TestNMRXivTimeFrameInvalidListing(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message": "nope"}`))
	}))
	defer ts.Close()

	n := newNMRXiv(t, ts.URL, &termsMock{}, afero.NewMemMapFs())
	_, err := n.TimeFrame(context.Background(), time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), time.Now())
	assert.Error(t, err)
}

func TestInTimeFrame(t *testing.T) {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC)
	tests := map[string]struct {
		listing nmrxivListing
		want    bool
		wantErr bool
	}{
		"created":      {listing: nmrxivListing{CreatedAt: "2023-01-10 00:00:00"}, want: true},
		"updated":      {listing: nmrxivListing{CreatedAt: "2022-01-10 00:00:00", UpdatedAt: "2023-01-10T00:00:00Z"}, want: true},
		"outside":      {listing: nmrxivListing{CreatedAt: "2022-01-10 00:00:00", UpdatedAt: "2022-02-10 00:00:00"}},
		"no creation":  {listing: nmrxivListing{UpdatedAt: "2023-01-10 00:00:00"}, wantErr: true},
		"invalid date": {listing: nmrxivListing{CreatedAt: "yesterday"}, wantErr: true},
	}
	for name, tc := range tests {
		have, err := inTimeFrame(tc.listing, start, end)
		if tc.wantErr {
			assert.Error(t, err, name)
			continue
		}
		assert.NoError(t, err, name)
		assert.Equal(t, tc.want, have, name)
	}
}

func TestNMRXivExtractDataset(t *testing.T) {
	terms := &termsMock{}
	terms.On("SearchTerm", "CDCl3", "chebi", chebiNMRSolvent).Return("http://purl.obolibrary.org/obo/CHEBI_85365", nil)
	terms.On("SearchTerm", "1H", "chebi", chebiAtom).Return("http://purl.obolibrary.org/obo/CHEBI_49637", nil)
	n := newNMRXiv(t, "", terms, afero.NewMemMapFs())
	rel := &relations{}

	fdo, err := n.Extract(context.Background(), Resource{ID: nmrxivDatasetDOI, Data: testutil.Fixture(t, "nmrxiv_dataset.json")}, rel.relate)
	require.NoError(t, err)
	terms.AssertExpectations(t)
	assert.Empty(t, rel.list)

	assert.Equal(t, presumed(t, nmrxivDatasetDOI), fdo.PID)
	tests := map[string][]string{
		pidrecord.KernelInformationProfile: {pidrecord.HelmholtzKIP},
		pidrecord.DigitalObjectType:        {pidrecord.MediaTypeJSON},
		pidrecord.Name:                     {"1H spectrum-C2H6O"},
		pidrecord.Identifier:               {nmrxivDatasetDOI},
		pidrecord.DateCreated:              {"2023-03-06T12:00:00Z"},
		pidrecord.DateModified:             {"2023-04-01T08:30:00Z"},
		pidrecord.License:                  {"https://spdx.org/licenses/CC-BY-4.0.json"},
		pidrecord.Contact:                  {"https://orcid.org/0000-0002-1825-0097"},
		pidrecord.EmailContact:             {"john@example.org"},
		pidrecord.DigitalObjectLocation:    {"https://nmrxiv.org/download/D1"},
		pidrecord.ResourceType:             {"Dataset"},
		pidrecord.NMRMethod:                {"http://purl.obolibrary.org/obo/CHMO_0000593"},
		pidrecord.LandingPageLocation:      {"https://nmrxiv.org/D1"},
		pidrecord.LocationPreview:          {"https://nmrxiv.org/D1.svg"},
		pidrecord.NMRSolvent:               {"http://purl.obolibrary.org/obo/CHEBI_85365"},
		pidrecord.AcquisitionNucleus:       {"http://purl.obolibrary.org/obo/CHEBI_49637"},
		pidrecord.NominalProtonFrequency:   {"400"},
		pidrecord.PulseSequenceName:        {"zg30"},
		pidrecord.CharacterizedCompound:    {`{"21.T11969/6c4d3deac9a49b65886a":46.07,"21.T11969/f9cb9b53273ce0da7739":"` + pubchemEthanol + `"}`},
	}
	for key, want := range tests {
		assert.Equal(t, want, fdo.Values(key), key)
	}
}

func TestNMRXivExtractStudy(t *testing.T) {
	n := newNMRXiv(t, "", &termsMock{}, afero.NewMemMapFs())
	rel := &relations{}

	fdo, err := n.Extract(context.Background(), Resource{ID: "10.57992/nmrxiv.p1.s1", Data: testutil.Fixture(t, "nmrxiv_study.json")}, rel.relate)
	require.NoError(t, err)

	assert.Equal(t, presumed(t, "10.57992/nmrxiv.p1.s1"), fdo.PID)
	assert.Equal(t, []string{"Study"}, fdo.Values(pidrecord.ResourceType))
	assert.Equal(t, []string{"owner@example.org"}, fdo.Values(pidrecord.EmailContact))
	assert.Empty(t, fdo.Values(pidrecord.Contact))
	assert.Equal(t, []string{"https://spdx.org/licenses/CC-BY-4.0.json"}, fdo.Values(pidrecord.License))
	assert.Equal(t, []string{"https://dx.doi.org/10.57992/nmrxiv.p1.s1"}, fdo.Values(pidrecord.DigitalObjectLocation))
	assert.Equal(t, []string{"https://nmrxiv.org/S1"}, fdo.Values(pidrecord.LandingPageLocation))

	previews := []string{"https://nmrxiv.org/S1/a.png", "https://nmrxiv.org/S1/b.png"}
	assert.Equal(t, previews, fdo.Values(pidrecord.LocationPreview))

	// Compounds come from the bioschema, not the molecules.
	compound := `{"21.T11969/6c4d3deac9a49b65886a":46.07,"21.T11969/f9cb9b53273ce0da7739":"` + pubchemEthanol + `"}`
	assert.Equal(t, []string{compound}, fdo.Values(pidrecord.CharacterizedCompound))

	require.Len(t, rel.list, 1)
	assert.Equal(t, presumed(t, nmrxivDatasetDOI), rel.list[0].presumed)
	assert.Equal(t, []pidrecord.Entry{
		{Key: pidrecord.HasMetadata, Value: fdo.PID, Name: "hasMetadata"},
		{Key: pidrecord.LocationPreview, Value: previews[0], Name: "locationPreview"},
		{Key: pidrecord.LocationPreview, Value: previews[1], Name: "locationPreview"},
		{Key: pidrecord.CharacterizedCompound, Value: compound, Name: "characterizedCompound"},
	}, rel.list[0].entries)
	assert.Equal(t, []string{"21.T11981/" + presumed(t, nmrxivDatasetDOI)}, fdo.Values(pidrecord.IsMetadataFor))
}

func TestNMRXivExtractProject(t *testing.T) {
	n := newNMRXiv(t, "", &termsMock{}, afero.NewMemMapFs())
	rel := &relations{}

	data := testutil.Fixture(t, "nmrxiv_project.json")
	fdo, err := n.Extract(context.Background(), Resource{ID: "10.57992/nmrxiv.p1", Data: data}, rel.relate)
	require.NoError(t, err)

	assert.Equal(t, []string{"Project"}, fdo.Values(pidrecord.ResourceType))
	assert.Equal(t, []string{"2023-03-06T12:00:00Z"}, fdo.Values(pidrecord.DateCreated))
	assert.Equal(t, []string{"a@example.org"}, fdo.Values(pidrecord.EmailContact))
	assert.Equal(t, []string{"https://nmrxiv.org/P1.png"}, fdo.Values(pidrecord.LocationPreview))
	assert.Equal(t, []string{"https://nmrxiv.org/P1"}, fdo.Values(pidrecord.LandingPageLocation))

	require.Len(t, rel.list, 1)
	assert.Equal(t, presumed(t, "10.57992/nmrxiv.p1.s1"), rel.list[0].presumed)
	assert.Equal(t, []pidrecord.Entry{{Key: pidrecord.HasMetadata, Value: fdo.PID, Name: "hasMetadata"}}, rel.list[0].entries)

	// A study without @id fails the whole project.
	var doc map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	doc["bioschema"]["hasPart"] = []interface{}{
		map[string]interface{}{"@id": "https://doi.org/10.57992/nmrxiv.p1.s1"},
		map[string]interface{}{"name": "anonymous"},
	}
	broken, err := json.Marshal(doc)
	require.NoError(t, err)

	rel = &relations{}
	_, err = n.Extract(context.Background(), Resource{ID: "10.57992/nmrxiv.p1", Data: broken}, rel.relate)
	assert.Error(t, err)
	assert.Empty(t, rel.list)
}

func TestNMRXivExtractErrors(t *testing.T) {
	n := newNMRXiv(t, "", &termsMock{}, afero.NewMemMapFs())
	rel := &relations{}

	study := func(edit func(doc map[string]map[string]interface{})) json.RawMessage {
		var doc map[string]map[string]interface{}
		require.NoError(t, json.Unmarshal(testutil.Fixture(t, "nmrxiv_study.json"), &doc))
		edit(doc)
		data, err := json.Marshal(doc)
		require.NoError(t, err)
		return data
	}

	tests := map[string]json.RawMessage{
		"no bioschema":  json.RawMessage(`{"original": {"identifier": "NMRXIV:D1", "doi": "x"}}`),
		"no doi":        json.RawMessage(`{"original": {"identifier": "NMRXIV:D1"}, "bioschema": {"@type": "Dataset"}}`),
		"unknown kind":  json.RawMessage(`{"original": {"identifier": "NMRXIV:X1", "doi": "x"}, "bioschema": {}}`),
		"not a dataset": json.RawMessage(`{"original": {"identifier": "NMRXIV:D1", "doi": "x"}, "bioschema": {"@type": "Study"}}`),
		"no previews":   study(func(doc map[string]map[string]interface{}) { delete(doc["original"], "study_preview_urls") }),
		"not a study":   study(func(doc map[string]map[string]interface{}) { doc["bioschema"]["@type"] = "Dataset" }),
		"invalid":       json.RawMessage(`{`),
		"no identifier": json.RawMessage(`{"original": {"doi": "x"}, "bioschema": {}}`),
	}
	for name, data := range tests {
		_, err := n.Extract(context.Background(), Resource{ID: name, Data: data}, rel.relate)
		assert.Error(t, err, name)
	}
}

func TestNMRXivTermErrors(t *testing.T) {
	terms := &termsMock{}
	terms.On("SearchTerm", mock.Anything, "chebi", mock.Anything).Return("", assert.AnError)
	n := newNMRXiv(t, "", terms, afero.NewMemMapFs())

	_, err := n.Extract(context.Background(), Resource{ID: nmrxivDatasetDOI, Data: testutil.Fixture(t, "nmrxiv_dataset.json")}, (&relations{}).relate)
	assert.Error(t, err)
}

func TestStripDescriptions(t *testing.T) {
	in := map[string]interface{}{
		"description": "x",
		"name":        "keep",
		"isPartOf":    map[string]interface{}{"description": "y", "sdf": "z", "name": "part"},
		"studies": []interface{}{
			map[string]interface{}{"description": "a", "samples": []interface{}{map[string]interface{}{"sdf": "b"}}},
		},
	}
	want := map[string]interface{}{
		"name":     "keep",
		"isPartOf": []interface{}{map[string]interface{}{"name": "part"}},
		"studies": []interface{}{
			map[string]interface{}{"samples": []interface{}{map[string]interface{}{}}},
		},
	}
	assert.Equal(t, want, stripDescriptions(in))
	assert.Equal(t, "scalar", stripDescriptions("scalar"))
}
