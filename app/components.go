package app

import (
	"context"
	"os"
	"strconv"

	"github.com/kit-data-manager/nmr-fairdos/datatype"
	"github.com/kit-data-manager/nmr-fairdos/elastic"
	"github.com/kit-data-manager/nmr-fairdos/fetch"
	"github.com/kit-data-manager/nmr-fairdos/license"
	"github.com/kit-data-manager/nmr-fairdos/pidrecord"
	"github.com/kit-data-manager/nmr-fairdos/pipeline"
	"github.com/kit-data-manager/nmr-fairdos/repository"
	"github.com/kit-data-manager/nmr-fairdos/s3"
	"github.com/kit-data-manager/nmr-fairdos/state"
	"github.com/kit-data-manager/nmr-fairdos/terminology"
	"github.com/kit-data-manager/nmr-fairdos/tpm"
	"github.com/kit-data-manager/nmr-fairdos/version"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// newArtifacts returns the artifact writer of the configured output
// directory. Object storage is always available for reading s3:// sources;
// artifacts are uploaded only when output.s3_uri is set.
func newArtifacts(logger logrus.FieldLogger, config *Config) (*pipeline.Artifacts, error) {
	sess, err := awsSession(logger, config.AWS.S3Profile, config.AWS.S3Endpoint)
	if err != nil {
		return nil, err
	}
	return pipeline.NewArtifacts(
		logger.WithField("component", "artifacts"),
		afero.NewOsFs(), config.Output.Dir,
		s3.New(sess), config.Output.S3URI)
}

// newPipeline wires the pipeline. The returned function releases the state
// store.
func newPipeline(ctx context.Context, logger logrus.FieldLogger, config *Config, reg prometheus.Registerer) (*pipeline.Pipeline, func(), error) {
	if err := config.ValidatePipeline(); err != nil {
		return nil, nil, err
	}

	opts := []fetch.Option{fetch.WithUserAgent(config.HTTP.UserAgent + "/" + version.VERSION)}
	if config.HTTP.Timeout > 0 {
		opts = append(opts, fetch.WithTimeout(config.HTTP.Timeout))
	}
	client := fetch.NewClient(opts...)

	fetcher, err := fetch.NewFetcher(
		logger.WithField("component", "fetcher"),
		client, afero.NewOsFs(), config.HTTP.CacheDir,
		config.HTTP.Concurrency)
	if err != nil {
		return nil, nil, err
	}

	licenses := license.NewResolver(fetcher, "")
	terms := terminology.New(logger.WithField("component", "terminology"), client, config.Terminology.URL)
	names := datatype.NewResolver(client, config.DataType.HandleURL)

	var repos *repository.Registry
	{
		chemotion, err := repository.NewChemotion(
			logger.WithField("component", "chemotion"),
			fetcher, licenses,
			repository.ChemotionConfig{BaseURL: config.Chemotion.BaseURL, Limit: config.Chemotion.PageSize})
		if err != nil {
			return nil, nil, err
		}
		nmrxiv, err := repository.NewNMRXiv(
			logger.WithField("component", "nmrxiv"),
			fetcher, licenses, terms,
			repository.NMRXivConfig{
				BaseURL:  config.NMRXiv.BaseURL,
				Fresh:    config.NMRXiv.Fresh,
				CacheFS:  fetcher.FS(),
				CacheDir: fetcher.Dir(),
			})
		if err != nil {
			return nil, nil, err
		}
		repos = repository.NewRegistry(chemotion, nmrxiv)
	}

	pids, err := tpm.New(logger.WithField("component", "tpm"), client, config.TPM.URL)
	if err != nil {
		return nil, nil, err
	}

	var index *elastic.Connector
	{
		es, err := elastic.NewClient(elastic.Config{
			URL:    config.Elasticsearch.URL,
			APIKey: config.Elasticsearch.APIKey,
			Index:  config.Elasticsearch.Index,
		})
		if err != nil {
			return nil, nil, err
		}
		index, err = elastic.New(ctx, logger.WithField("component", "elastic"), es, config.Elasticsearch.Index, names)
		if err != nil {
			return nil, nil, err
		}
	}

	validator, err := pidrecord.NewValidator()
	if err != nil {
		return nil, nil, err
	}

	artifacts, err := newArtifacts(logger, config)
	if err != nil {
		return nil, nil, err
	}

	metrics, err := pipeline.NewMetrics(reg)
	if err != nil {
		return nil, nil, err
	}

	storage, err := state.NewStorageSQLite(config.State.Path)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := storage.Close(); err != nil {
			logger.WithError(err).Warn("Error closing state store")
		}
	}

	p := pipeline.New(
		logger.WithField("component", "pipeline"),
		repos, pids, index, storage, validator, artifacts, metrics)
	return p, closer, nil
}

type logrusProxy struct {
	logger logrus.FieldLogger
}

func (l logrusProxy) Log(args ...interface{}) {
	l.logger.WithField("client", "aws").Debug(args...)
}

// awsSession returns a session using NewSessionWithOptions meaning that it
// relies on the SDK defaults but also the user config files and environment.
//
// AWS_S3_FORCE_PATH_STYLE is not looked up by the SDK. It is needed by
// S3-compatible stores such as MinIO.
func awsSession(logger logrus.FieldLogger, profile, endpoint string) (*session.Session, error) {
	options := session.Options{}
	if profile != "" {
		options.Profile = profile
	}
	if endpoint != "" {
		options.Config.WithEndpoint(endpoint)
	}
	if res, ok := os.LookupEnv("AWS_S3_FORCE_PATH_STYLE"); ok {
		enabled, _ := strconv.ParseBool(res)
		options.Config.WithS3ForcePathStyle(enabled)
	}
	if logrus.GetLevel() == logrus.DebugLevel {
		options.Config.WithCredentialsChainVerboseErrors(true)
	}
	options.Config.WithLogger(logrusProxy{logger: logger})
	return session.NewSessionWithOptions(options)
}
