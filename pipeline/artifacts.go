package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kit-data-manager/nmr-fairdos/s3"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Artifact names.
const (
	ErrorsArtifact       = "errors_%s.json"
	RecordsArtifact      = "records_to_create_%s.json"
	DeduplicatedArtifact = "deduplicated_records_to_create.json"
	AllRecordsArtifact   = "pid_records_all.json"
	BiggestArtifact      = "biggest_FDO.json"
	MostInformedArtifact = "most_informative_FDO.json"
)

var artifactReplacer = strings.NewReplacer("/", "_", ":", "_")

// ArtifactName makes a file name from a repository ID.
func ArtifactName(format, id string) string {
	return fmt.Sprintf(format, artifactReplacer.Replace(id))
}

// Artifacts writes the JSON files a run leaves behind to the output
// directory and, when configured, to S3.
type Artifacts struct {
	logger  logrus.FieldLogger
	fs      afero.Fs
	dir     string
	storage s3.ObjectStorage
	s3URI   string
}

// NewArtifacts returns an Artifacts writing to dir on fs. storage and s3URI
// are optional.
func NewArtifacts(logger logrus.FieldLogger, fs afero.Fs, dir string, storage s3.ObjectStorage, s3URI string) (*Artifacts, error) {
	if dir == "" {
		dir = "."
	}
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating output directory")
	}
	if s3URI != "" && !s3.IsURI(s3URI) {
		return nil, errors.Errorf("invalid S3 URI %q", s3URI)
	}
	return &Artifacts{
		logger:  logger,
		fs:      fs,
		dir:     dir,
		storage: storage,
		s3URI:   s3URI,
	}, nil
}

// Path returns the local path of the named artifact.
func (a *Artifacts) Path(name string) string {
	return filepath.Join(a.dir, name)
}

// Write stores v as JSON under name.
func (a *Artifacts) Write(ctx context.Context, name string, v interface{}) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", name)
	}
	if err := afero.WriteFile(a.fs, a.Path(name), blob, 0644); err != nil {
		return errors.Wrapf(err, "writing %s", name)
	}
	a.logger.WithField("path", a.Path(name)).Info("Artifact written")

	if a.storage == nil || a.s3URI == "" {
		return nil
	}
	uri := s3.Join(a.s3URI, name)
	if err := a.storage.Upload(ctx, bytes.NewReader(blob), uri); err != nil {
		return err
	}
	a.logger.WithField("uri", uri).Debug("Artifact uploaded")
	return nil
}

// Load reads a local file or an s3:// object.
func (a *Artifacts) Load(ctx context.Context, source string) ([]byte, error) {
	if !s3.IsURI(source) {
		blob, err := afero.ReadFile(a.fs, source)
		return blob, errors.Wrapf(err, "reading %s", source)
	}
	if a.storage == nil {
		return nil, errors.Errorf("cannot read %s: object storage is not configured", source)
	}
	buf := aws.NewWriteAtBuffer([]byte{})
	if _, err := a.storage.Download(ctx, buf, source); err != nil {
		return nil, errors.Wrapf(err, "downloading %s", source)
	}
	return buf.Bytes(), nil
}
