package validation

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectUploader is the part of the minio client the S3 store uses.
type ObjectUploader interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

var _ ObjectUploader = (*minio.Client)(nil)

// S3Options configures an S3-compatible report bucket.
type S3Options struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Enabled reports whether a bucket is configured.
func (o S3Options) Enabled() bool {
	return strings.TrimSpace(o.Bucket) != ""
}

// S3ReportStore uploads reports to an S3-compatible bucket.
type S3ReportStore struct {
	Client ObjectUploader
	Bucket string
	Prefix string
	// CreateBucket makes the bucket when it does not exist yet.
	CreateBucket bool
	Region       string
}

// NewS3ReportStore connects to the endpoint with static credentials.
func NewS3ReportStore(opts S3Options) (*S3ReportStore, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}
	if !opts.Enabled() {
		return nil, errors.New("report bucket is not configured")
	}

	var creds *credentials.Credentials
	if opts.AccessKey != "" || opts.SecretKey != "" {
		creds = credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, "")
	} else {
		creds = credentials.NewEnvAWS()
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize report bucket client: %w", err)
	}
	return &S3ReportStore{
		Client:       client,
		Bucket:       opts.Bucket,
		Prefix:       opts.Prefix,
		CreateBucket: true,
		Region:       opts.Region,
	}, nil
}

func (s *S3ReportStore) StoreReport(ctx context.Context, reportPath string, meta ReportMeta) (StoredReport, error) {
	if s.Client == nil {
		return StoredReport{}, errors.New("report bucket client is not configured")
	}
	if reportPath == "" {
		return StoredReport{}, errors.New("report path is required")
	}

	if s.CreateBucket {
		if err := s.ensureBucket(ctx); err != nil {
			return StoredReport{}, err
		}
	}

	id := reportID(meta)
	key := s.objectKey(id, meta, filepath.Ext(reportPath))
	kind := contentType(reportPath)
	_, err := s.Client.FPutObject(ctx, s.Bucket, key, reportPath, minio.PutObjectOptions{
		ContentType:  kind,
		UserMetadata: userMetadata(meta),
	})
	if err != nil {
		return StoredReport{}, fmt.Errorf("failed to upload report: %w", err)
	}

	return StoredReport{
		ID:          id,
		URI:         "s3://" + s.Bucket + "/" + key,
		ContentType: kind,
		StoredAt:    time.Now().UTC(),
		Meta:        meta,
	}, nil
}

func (s *S3ReportStore) ensureBucket(ctx context.Context) error {
	exists, err := s.Client.BucketExists(ctx, s.Bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.Client.MakeBucket(ctx, s.Bucket, minio.MakeBucketOptions{Region: s.Region}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func (s *S3ReportStore) objectKey(id string, meta ReportMeta, ext string) string {
	name := "report" + ext
	if strings.TrimSpace(meta.TestID) == "" {
		name = id + ext
	}
	parts := []string{strings.Trim(s.Prefix, "/")}
	if meta.TestID != "" {
		parts = append(parts, meta.TestID)
	}
	parts = append(parts, name)
	return strings.TrimPrefix(path.Join(parts...), "/")
}

func userMetadata(meta ReportMeta) map[string]string {
	out := map[string]string{
		"outcome":   string(meta.Outcome),
		"exit-code": strconv.Itoa(meta.ExitCode),
	}
	if meta.TestID != "" {
		out["test-id"] = meta.TestID
	}
	if meta.ImageID != "" {
		out["image-id"] = meta.ImageID
	}
	return out
}
