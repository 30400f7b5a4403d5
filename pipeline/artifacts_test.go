package pipeline

import (
	"context"
	"io"
	"io/ioutil"
	"testing"

	"github.com/kit-data-manager/nmr-fairdos/internal/testutil"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStorage struct {
	objects map[string][]byte
}

func (s *memStorage) Download(ctx context.Context, w io.WriterAt, uri string) (int64, error) {
	blob, ok := s.objects[uri]
	if !ok {
		return 0, errors.Errorf("no such object %s", uri)
	}
	n, err := w.WriteAt(blob, 0)
	return int64(n), err
}

func (s *memStorage) Upload(ctx context.Context, r io.Reader, uri string) error {
	blob, err := ioutil.ReadAll(r)
	if err != nil {
		return err
	}
	s.objects[uri] = blob
	return nil
}

func TestArtifactName(t *testing.T) {
	assert.Equal(t, "errors_https___nmrxiv.org.json", ArtifactName(ErrorsArtifact, "https://nmrxiv.org"))
	assert.Equal(t, "records_to_create_chemotion.json", ArtifactName(RecordsArtifact, "chemotion"))
}

func TestArtifacts(t *testing.T) {
	logger, _ := testutil.Logger()
	fs := afero.NewMemMapFs()
	storage := &memStorage{objects: map[string][]byte{}}
	ctx := context.Background()

	_, err := NewArtifacts(logger, fs, "/out", storage, "https://bucket/out")
	assert.Error(t, err)

	a, err := NewArtifacts(logger, fs, "/out", storage, "s3://bucket/out")
	require.NoError(t, err)
	assert.Equal(t, "/out/pid_records_all.json", a.Path(AllRecordsArtifact))

	require.NoError(t, a.Write(ctx, AllRecordsArtifact, []string{"21.T11981/a"}))
	local, err := afero.ReadFile(fs, "/out/pid_records_all.json")
	require.NoError(t, err)
	assert.JSONEq(t, `["21.T11981/a"]`, string(local))
	assert.Equal(t, local, storage.objects["s3://bucket/out/pid_records_all.json"])

	blob, err := a.Load(ctx, "/out/pid_records_all.json")
	require.NoError(t, err)
	assert.Equal(t, local, blob)

	blob, err = a.Load(ctx, "s3://bucket/out/pid_records_all.json")
	require.NoError(t, err)
	assert.Equal(t, local, blob)

	_, err = a.Load(ctx, "s3://bucket/out/missing.json")
	assert.Error(t, err)

	storage.objects = map[string][]byte{}
	local, err = writeValue(a, make(chan int))
	assert.Error(t, err)
	assert.Nil(t, local)
	assert.Empty(t, storage.objects)
}

func writeValue(a *Artifacts, v interface{}) ([]byte, error) {
	if err := a.Write(context.Background(), "value.json", v); err != nil {
		return nil, err
	}
	return afero.ReadFile(a.fs, a.Path("value.json"))
}

func TestArtifacts_Local(t *testing.T) {
	logger, _ := testutil.Logger()
	a, err := NewArtifacts(logger, afero.NewMemMapFs(), "", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "errors_registration.json", a.Path(ArtifactName(ErrorsArtifact, "registration")))

	require.NoError(t, a.Write(context.Background(), DeduplicatedArtifact, []int{}))
	_, err = a.Load(context.Background(), "s3://bucket/records.json")
	assert.Error(t, err)
}

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	m.Extracted.WithLabelValues("chemotion").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	names := []string{}
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "nmrfairdos_extracted_records_total")

	_, err = NewMetrics(reg)
	assert.Error(t, err)
}
