package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/sirupsen/logrus"

	"github.com/terrafusion/condserve/pkg/errors"
	"github.com/terrafusion/condserve/pkg/version"
)

// S3StoreConfig holds configuration for S3-backed artifact archiving.
type S3StoreConfig struct {
	Region          string `json:"region" yaml:"region"`
	Bucket          string `json:"bucket" yaml:"bucket"`
	Prefix          string `json:"prefix" yaml:"prefix"`
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
	Endpoint        string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	ForcePathStyle  bool   `json:"force_path_style" yaml:"force_path_style"`
}

// S3Store implements Store on an S3 bucket. Archived paths are rendered as
// "s3://bucket/key" so the registry catalog stays backend-agnostic.
type S3Store struct {
	config     *S3StoreConfig
	s3Client   *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	logger     *logrus.Logger
	now        func() time.Time
}

// NewS3Store creates an S3-backed artifact store.
func NewS3Store(config *S3StoreConfig, logger *logrus.Logger) (*S3Store, error) {
	if config == nil {
		return nil, errors.NewValidationError(errors.CodeMissingField, "S3 config cannot be nil")
	}
	if config.Bucket == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField, "S3 bucket is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	awsConfig := &aws.Config{
		Region:           aws.String(config.Region),
		S3ForcePathStyle: aws.Bool(config.ForcePathStyle),
	}
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
	}
	if config.AccessKeyID != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			config.AccessKeyID, config.SecretAccessKey, "")
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfiguration, errors.CodeInvalidInput,
			"failed to create AWS session")
	}

	return &S3Store{
		config:     config,
		s3Client:   s3.New(sess),
		uploader:   s3manager.NewUploader(sess),
		downloader: s3manager.NewDownloader(sess),
		logger:     logger,
		now:        time.Now,
	}, nil
}

func (s *S3Store) key(modelName string, v version.SemVer, sourcePath string) string {
	return path.Join(s.config.Prefix, modelName, archiveName(modelName, v, sourcePath, s.now()))
}

// Archive uploads the artifact at sourcePath to the configured bucket.
func (s *S3Store) Archive(ctx context.Context, modelName string, v version.SemVer, sourcePath string) (string, error) {
	src, err := os.Open(sourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.WrapError(errors.ErrArtifactNotFound, errors.ErrorTypeRegistry,
				errors.CodeArtifactNotFound, fmt.Sprintf("model file not found at %s", sourcePath))
		}
		return "", errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeReadFailed,
			fmt.Sprintf("failed to open artifact %s", sourcePath))
	}
	defer src.Close()

	key := s.key(modelName, v, sourcePath)
	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
		Body:   src,
	})
	if err != nil {
		return "", errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			fmt.Sprintf("failed to upload artifact to s3://%s/%s", s.config.Bucket, key))
	}

	archived := fmt.Sprintf("s3://%s/%s", s.config.Bucket, key)
	s.logger.WithFields(logrus.Fields{
		"model":   modelName,
		"version": v.String(),
		"path":    archived,
	}).Info("Archived model artifact to S3")

	return archived, nil
}

// Open downloads an archived artifact into memory and returns a reader.
func (s *S3Store) Open(ctx context.Context, archivedPath string) (io.ReadCloser, error) {
	bucket, key, err := splitS3Path(archivedPath)
	if err != nil {
		return nil, err
	}

	out, err := s.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, errors.WrapError(errors.ErrArtifactNotFound, errors.ErrorTypeRegistry,
				errors.CodeArtifactNotFound, fmt.Sprintf("archived artifact not found at %s", archivedPath))
		}
		return nil, errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeReadFailed,
			fmt.Sprintf("failed to fetch archived artifact %s", archivedPath))
	}
	return out.Body, nil
}

// Exists reports whether the archived artifact is present in the bucket.
func (s *S3Store) Exists(ctx context.Context, archivedPath string) (bool, error) {
	bucket, key, err := splitS3Path(archivedPath)
	if err != nil {
		return false, err
	}

	_, err = s.s3Client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == "NotFound" || aerr.Code() == s3.ErrCodeNoSuchKey) {
			return false, nil
		}
		return false, errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeReadFailed,
			fmt.Sprintf("failed to check archived artifact %s", archivedPath))
	}
	return true, nil
}

func splitS3Path(archivedPath string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(archivedPath, "s3://")
	if trimmed == archivedPath {
		return "", "", errors.NewValidationError(errors.CodeInvalidInput,
			fmt.Sprintf("not an s3 path: %s", archivedPath))
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.NewValidationError(errors.CodeInvalidInput,
			fmt.Sprintf("malformed s3 path: %s", archivedPath))
	}
	return parts[0], parts[1], nil
}
