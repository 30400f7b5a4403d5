package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kit-data-manager/nmr-fairdos/fetch"
	"github.com/kit-data-manager/nmr-fairdos/internal/testutil"
	"github.com/kit-data-manager/nmr-fairdos/pidrecord"

	"github.com/cenkalti/backoff/v3"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type staticLicenses map[string]string

func (l staticLicenses) URL(ctx context.Context, s string) (string, error) {
	if url, ok := l[s]; ok {
		return url, nil
	}
	return s, nil
}

var licenses = staticLicenses{
	"CC-BY-4.0": "https://spdx.org/licenses/CC-BY-4.0.json",
	"https://creativecommons.org/licenses/by/4.0/legalcode": "https://spdx.org/licenses/CC-BY-4.0.json",
}

type termsMock struct {
	mock.Mock
}

func (m *termsMock) SearchTerm(ctx context.Context, query, ontology, parent string) (string, error) {
	args := m.Called(query, ontology, parent)
	return args.String(0), args.Error(1)
}

type relation struct {
	presumed string
	entries  []pidrecord.Entry
}

// relations records the relationships requested during an extraction and
// confirms each of them with a derived PID.
type relations struct {
	list []relation
}

func (r *relations) relate(ctx context.Context, presumed string, entries []pidrecord.Entry, onSuccess func(string)) error {
	r.list = append(r.list, relation{presumed: presumed, entries: entries})
	if onSuccess != nil {
		onSuccess("21.T11981/" + presumed)
	}
	return nil
}

func newFetcher(t *testing.T, fs afero.Fs) *fetch.Fetcher {
	t.Helper()
	logger, _ := testutil.Logger()
	client := fetch.NewClient(fetch.WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1)
	}))
	f, err := fetch.NewFetcher(logger, client, fs, "/cache", 4)
	require.NoError(t, err)
	return f
}

func presumed(t *testing.T, s string) string {
	t.Helper()
	pid, err := pidrecord.EncodePresumedPID(s)
	require.NoError(t, err)
	return pid
}

func TestValidateTimeFrame(t *testing.T) {
	now := time.Now()
	tests := map[string]struct {
		start, end time.Time
		wantErr    bool
	}{
		"valid":           {start: now.Add(-time.Hour), end: now},
		"start after end": {start: now, end: now.Add(-time.Hour), wantErr: true},
		"in the future":   {start: now.Add(time.Hour), end: now.Add(2 * time.Hour), wantErr: true},
		"unset":           {wantErr: true},
	}
	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			err := ValidateTimeFrame(tc.start, tc.end)
			if tc.wantErr {
				assert.Equal(t, ErrInvalidTimeFrame, errors.Cause(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	logger, _ := testutil.Logger()
	chemotion, err := NewChemotion(logger, nil, licenses, ChemotionConfig{BaseURL: "https://chemotion.example/"})
	require.NoError(t, err)
	nmrxiv, err := NewNMRXiv(logger, nil, licenses, &termsMock{}, NMRXivConfig{})
	require.NoError(t, err)

	reg := NewRegistry(nmrxiv, chemotion)

	repo, err := reg.Get("Chemotion")
	require.NoError(t, err)
	assert.Equal(t, "Chemotion_https://chemotion.example", repo.ID())

	_, err = reg.Get("zenodo")
	assert.True(t, errors.Is(err, ErrUnknownRepository))

	all, err := reg.Select()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "chemotion", all[0].Name())
	assert.Equal(t, "nmrxiv", all[1].Name())

	some, err := reg.Select("NMRXIV")
	require.NoError(t, err)
	require.Len(t, some, 1)
	assert.Equal(t, "NMRXiv_https://nmrxiv.org", some[0].ID())

	_, err = reg.Select("nmrxiv", "zenodo")
	assert.Error(t, err)
}

func TestOneOrMany(t *testing.T) {
	tests := map[string]struct {
		in   string
		want []identified
	}{
		"object":  {in: `{"@id": "a"}`, want: []identified{{ID: "a"}}},
		"list":    {in: `[{"@id": "a"}, {"@id": "b"}]`, want: []identified{{ID: "a"}, {ID: "b"}}},
		"null":    {in: `null`},
		"missing": {in: ``},
	}
	for name, tc := range tests {
		var have []identified
		require.NoError(t, oneOrMany(json.RawMessage(tc.in), &have), name)
		assert.Equal(t, tc.want, have, name)
	}
}

func TestLooseValues(t *testing.T) {
	var v struct {
		A text   `json:"a"`
		B text   `json:"b"`
		C text   `json:"c"`
		D number `json:"d"`
		E number `json:"e"`
		F number `json:"f"`
		G number `json:"g"`
	}
	err := json.Unmarshal([]byte(`{"a": " x ", "b": 400, "c": {"k": 1}, "d": "46.07", "e": {"value": 2}, "f": "n/a", "g": null}`), &v)
	require.NoError(t, err)

	assert.Equal(t, text("x"), v.A)
	assert.Equal(t, text("400"), v.B)
	assert.Equal(t, text(""), v.C)
	assert.Equal(t, number{Value: 46.07, Valid: true}, v.D)
	assert.Equal(t, number{Value: 2, Valid: true}, v.E)
	assert.False(t, v.F.Valid)
	assert.False(t, v.G.Valid)
}

func TestRepositoryFDO(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	fdo, err := repositoryFDO("https://nmrxiv.org", "NMRXiv", nmrxivPreview, now)
	require.NoError(t, err)

	assert.Equal(t, presumed(t, "https://nmrxiv.org"), fdo.PID)
	assert.Equal(t, []string{"https://nmrxiv.org"}, fdo.Values(pidrecord.DigitalObjectLocation))
	assert.Equal(t, []string{"https://nmrxiv.org"}, fdo.Values(pidrecord.LandingPageLocation))
	assert.Equal(t, []string{pidrecord.MediaTypeHTML}, fdo.Values(pidrecord.DigitalObjectType))
	assert.Equal(t, []string{"Repository"}, fdo.Values(pidrecord.ResourceType))
	assert.Equal(t, []string{"2024-01-02T03:04:05Z"}, fdo.Values(pidrecord.DateCreated))
	assert.Equal(t, []string{nmrxivPreview}, fdo.Values(pidrecord.LocationPreview))

	fdo, err = repositoryFDO("https://chemotion.example", "Chemotion", "", now)
	require.NoError(t, err)
	assert.Empty(t, fdo.Values(pidrecord.LocationPreview))
}
