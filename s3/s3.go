// Package s3 reads and writes objects addressed by s3://bucket/key URIs.
package s3

import (
	"context"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
)

// ObjectStorage is a S3-compatible storage interface.
type ObjectStorage interface {
	Download(ctx context.Context, w io.WriterAt, URI string) (int64, error)
	Upload(ctx context.Context, r io.Reader, URI string) error
}

// ObjectStorageImpl is our implementation of the ObjectStorage interface.
type ObjectStorageImpl struct {
	client     s3iface.S3API
	downloader *s3manager.Downloader
	uploader   *s3manager.Uploader
}

var _ ObjectStorage = (*ObjectStorageImpl)(nil)

// New returns a pointer to a new ObjectStorageImpl.
func New(sess *session.Session) *ObjectStorageImpl {
	return NewWithClient(s3.New(sess))
}

// NewWithClient builds an ObjectStorageImpl on top of an existing client.
func NewWithClient(client s3iface.S3API) *ObjectStorageImpl {
	return &ObjectStorageImpl{
		client:     client,
		downloader: s3manager.NewDownloaderWithClient(client),
		uploader:   s3manager.NewUploaderWithClient(client),
	}
}

// Download writes the contents of a remote file into the given writer.
func (s *ObjectStorageImpl) Download(ctx context.Context, w io.WriterAt, URI string) (n int64, err error) {
	bucket, key, err := ParseURI(URI)
	if err != nil {
		return -1, err
	}
	req := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	return s.downloader.DownloadWithContext(ctx, w, req)
}

// Upload stores the contents of r under URI.
func (s *ObjectStorageImpl) Upload(ctx context.Context, r io.Reader, URI string) error {
	bucket, key, err := ParseURI(URI)
	if err != nil {
		return err
	}
	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String("application/json"),
	})
	return errors.Wrapf(err, "uploading %s", URI)
}

// IsURI reports whether s uses the s3 scheme.
func IsURI(s string) bool {
	return strings.HasPrefix(s, "s3://")
}

// ParseURI splits an s3://bucket/key URI.
func ParseURI(URI string) (bucket string, key string, err error) {
	u, err := url.Parse(URI)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" || u.Hostname() == "" {
		return "", "", errors.Errorf("invalid S3 URI %q", URI)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", errors.Errorf("S3 URI %q has no key", URI)
	}
	return u.Hostname(), key, nil
}

// Join appends name to the key prefix of the s3://bucket[/prefix] URI base.
func Join(base, name string) string {
	u, err := url.Parse(base)
	if err != nil || u.Scheme != "s3" {
		return strings.TrimSuffix(base, "/") + "/" + name
	}
	u.Path = "/" + strings.TrimPrefix(path.Join(u.Path, name), "/")
	return u.String()
}
