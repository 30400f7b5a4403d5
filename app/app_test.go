package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kit-data-manager/nmr-fairdos/internal/testutil"
	"github.com/kit-data-manager/nmr-fairdos/pidrecord"
	"github.com/kit-data-manager/nmr-fairdos/pipeline"
	"github.com/kit-data-manager/nmr-fairdos/repository"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestMainHelp(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()
	os.Args = []string{"nmr_FAIR-DOs-cli", "help"}

	var (
		output    bytes.Buffer
		errOutput bytes.Buffer
	)
	err := Run(&output, &errOutput)

	require.NoError(t, err)
	assert.Contains(t, output.String(), "Available Commands")
	for _, cmd := range []string{"createallavailable", "retryerrors", "buildelastic", "inspect", "validate", "server"} {
		assert.Contains(t, output.String(), cmd)
	}
	assert.Empty(t, errOutput.String())
}

func TestMainUnknownCommand(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()
	os.Args = []string{"nmr_FAIR-DOs-cli", "unknown"}

	err := Run(ioutil.Discard, ioutil.Discard)

	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nmr-fairdos.toml")
	require.NoError(t, ioutil.WriteFile(path, []byte("[chemotion]\npage_size = 20\n\n[output]\ndir = \"out\"\n"), 0644))

	oldConfigFile := configFile
	defer func() { configFile = oldConfigFile }()
	configFile = path

	t.Setenv("TPM_URL", "https://tpm.example.org/")
	t.Setenv("ELASTICSEARCH_URL", "http://legacy:9200")
	t.Setenv("NMR_FAIRDOS_ELASTICSEARCH_URL", "http://elasticsearch:9200")
	t.Setenv("NMR_FAIRDOS_NMRXIV_FRESH", "false")

	config := &Config{}
	require.NoError(t, loadConfig(config))

	assert.Equal(t, "https://tpm.example.org", config.TPM.URL)
	assert.Equal(t, "http://elasticsearch:9200", config.Elasticsearch.URL)
	assert.Equal(t, "fdo-nmr", config.Elasticsearch.Index)
	assert.Equal(t, 20, config.Chemotion.PageSize)
	assert.Equal(t, "out", config.Output.Dir)
	assert.Equal(t, 60*time.Second, config.HTTP.Timeout)
	assert.False(t, config.NMRXiv.Fresh)
	assert.Equal(t, "https://hdl.handle.net/", config.DataType.HandleURL)
	assert.NoError(t, config.ValidatePipeline())
	assert.Contains(t, config.String(), "page_size")
}

func TestLoadConfigDefaults(t *testing.T) {
	oldConfigFile := configFile
	defer func() { configFile = oldConfigFile }()
	configFile = ""
	t.Setenv("HOME", t.TempDir())

	config := &Config{}
	require.NoError(t, loadConfig(config))

	assert.True(t, config.NMRXiv.Fresh)
	assert.Equal(t, repository.DefaultChemotionLimit, config.Chemotion.PageSize)
	assert.Equal(t, repository.DefaultNMRXivURL, config.NMRXiv.BaseURL)
	assert.Equal(t, "", config.Output.S3URI)
}

func TestNewArtifactsReadsS3WithoutOutputURI(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/records/pid_records_all.json" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer ts.Close()

	dir := t.TempDir()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	t.Setenv("AWS_PROFILE", "")
	t.Setenv("AWS_REGION", "eu-central-1")
	t.Setenv("AWS_ACCESS_KEY_ID", "id")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("AWS_S3_FORCE_PATH_STYLE", "true")

	config := &Config{}
	config.Output.Dir = dir
	config.AWS.S3Endpoint = ts.URL

	logger, _ := testutil.Logger()
	artifacts, err := newArtifacts(logger, config)
	require.NoError(t, err)

	blob, err := artifacts.Load(context.Background(), "s3://records/pid_records_all.json")
	require.NoError(t, err)
	assert.Equal(t, "[]", string(blob))

	// Nothing is uploaded without an output URI.
	require.NoError(t, artifacts.Write(context.Background(), pipeline.AllRecordsArtifact, []string{}))
}

func TestConfig_Validate(t *testing.T) {
	config := Config{}
	config.Logging.Level = "loud"
	assert.Error(t, config.Validate())

	config.Logging.Level = "debug"
	assert.NoError(t, config.Validate())

	err := config.ValidatePipeline()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "elasticsearch.index, elasticsearch.url, http.cache_dir, state.path, tpm.url")
}

func TestTimeFrame(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	start, end, err := timeFrame("", "", now)
	require.NoError(t, err)
	assert.True(t, start.IsZero())
	assert.True(t, end.IsZero())

	start, end, err = timeFrame("2024-01-01", "", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), start.UTC())
	assert.Equal(t, now, end)

	start, end, err = timeFrame("2024-01-01T10:00:00Z", "2024-02-01T10:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, 31*24*time.Hour, end.Sub(start))

	_, _, err = timeFrame("", "2024-02-01", now)
	assert.Error(t, err)
	_, _, err = timeFrame("yesterday", "", now)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "valid.json")
	require.NoError(t, ioutil.WriteFile(valid, []byte(`[
		{"pid": "21.T11981/a", "entries": {"21.T11148/6ae999552a0d2dca14d6": [{"key": "21.T11148/6ae999552a0d2dca14d6", "value": "Ethanol"}]}}
	]`), 0644))
	invalid := filepath.Join(dir, "invalid.json")
	require.NoError(t, ioutil.WriteFile(invalid, []byte(`{"pid": "21.T11981/b", "entries": {}}`), 0644))

	oldFile := file
	defer func() { file = oldFile }()

	var out bytes.Buffer
	file = valid
	require.NoError(t, doValidate(&out))
	assert.Contains(t, out.String(), "1 of 1 records are valid.")

	out.Reset()
	file = invalid
	assert.Error(t, doValidate(&out))
	assert.Contains(t, out.String(), "Record 0 is invalid!")

	file = ""
	assert.Error(t, doValidate(&out))
}

func TestSummary(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, summary(&out, make([]*pidrecord.Record, 3), []string{"https://nmrxiv.org"}))
	assert.Equal(t, "Created PID records for 3 resources in [https://nmrxiv.org].\n"+
		"If errors occurred, please see error_*.json for details.\n", out.String())
}

type runnerMock struct {
	mock.Mock
}

func (m *runnerMock) Create(ctx context.Context, opts pipeline.CreateOptions) ([]*pidrecord.Record, error) {
	args := m.Called(opts)
	records, _ := args.Get(0).([]*pidrecord.Record)
	return records, args.Error(1)
}

func (m *runnerMock) Retry(ctx context.Context, name string, dryRun bool) ([]*pidrecord.Record, error) {
	args := m.Called(name, dryRun)
	records, _ := args.Get(0).([]*pidrecord.Record)
	return records, args.Error(1)
}

func TestAPI(t *testing.T) {
	logger, _ := testutil.Logger()
	r := &runnerMock{}
	ts := httptest.NewServer(newRouter(context.Background(), logger, r, prometheus.NewRegistry()))
	defer ts.Close()

	record, err := pidrecord.New("21.T11981/a")
	require.NoError(t, err)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	r.On("Create", pipeline.CreateOptions{Repositories: []string{"nmrxiv"}, Start: start, End: end, DryRun: true}).
		Return([]*pidrecord.Record{record}, nil)
	r.On("Create", pipeline.CreateOptions{Repositories: []string{"chemotion"}}).Return(nil, pipeline.ErrBusy)
	r.On("Create", pipeline.CreateOptions{Repositories: []string{"zenodo"}}).
		Return(nil, errors.Wrap(repository.ErrUnknownRepository, "zenodo"))
	inverted := pipeline.CreateOptions{
		Repositories: []string{"nmrxiv"},
		Start:        time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		End:          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	r.On("Create", inverted).Return(nil, errors.Wrap(repository.ErrInvalidTimeFrame, "start date must be before end date"))
	r.On("Retry", "nmrxiv", false).Return(nil, errors.New("state store unavailable"))
	r.On("Retry", "chemotion", true).Return([]*pidrecord.Record{}, nil)

	testCases := []struct {
		path   string
		status int
	}{
		{"/health", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/createAll/nmrxiv?start=2024-01-01T00:00:00Z&end=2024-02-01T00:00:00Z&dryrun=true", http.StatusOK},
		{"/createAll/nmrxiv?start=soon", http.StatusBadRequest},
		{"/createAll/nmrxiv?dryrun=maybe", http.StatusBadRequest},
		{"/createAll/nmrxiv?start=2024-02-01T00:00:00Z&end=2024-01-01T00:00:00Z", http.StatusBadRequest},
		{"/createAll/chemotion", http.StatusConflict},
		{"/createAll/zenodo", http.StatusNotFound},
		{"/retry/nmrxiv", http.StatusInternalServerError},
		{"/retry/chemotion?dryrun=true", http.StatusOK},
		{"/unknown", http.StatusNotFound},
	}
	for _, tc := range testCases {
		res, err := http.Get(ts.URL + tc.path)
		require.NoError(t, err, tc.path)
		res.Body.Close()
		assert.Equal(t, tc.status, res.StatusCode, tc.path)
	}

	res, err := http.Get(ts.URL + "/createAll/nmrxiv?start=2024-01-01T00:00:00Z&end=2024-02-01T00:00:00Z&dryrun=true")
	require.NoError(t, err)
	defer res.Body.Close()
	var records []*pidrecord.Record
	require.NoError(t, json.NewDecoder(res.Body).Decode(&records))
	require.Len(t, records, 1)
	assert.Equal(t, "21.T11981/a", records[0].PID)

	r.AssertExpectations(t)
}
