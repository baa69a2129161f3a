package validation

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"

	"github.com/cochaviz/imagecheck/internal/logging"
)

func writeReport(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ReportFileName)
	if err := os.WriteFile(path, []byte("<html>ok</html>"), 0o644); err != nil {
		t.Fatalf("write report: %v", err)
	}
	return path
}

func TestLocalReportStore(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "artifacts")
	store := &LocalReportStore{BaseDir: base}
	meta := ReportMeta{TestID: "run-1", ImageID: "ami-1", Outcome: OutcomeFail, ExitCode: 100}

	stored, err := store.StoreReport(context.Background(), writeReport(t), meta)
	if err != nil {
		t.Fatalf("StoreReport() error = %v", err)
	}
	dest := filepath.Join(base, "run-1-report.html")
	if stored.URI != "file://"+dest || stored.ContentType != "text/html" {
		t.Fatalf("StoreReport() = %#v", stored)
	}
	data, err := os.ReadFile(dest)
	if err != nil || string(data) != "<html>ok</html>" {
		t.Fatalf("copied report = %q, %v", data, err)
	}

	sidecar, err := os.ReadFile(dest + ".json")
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	var decoded StoredReport
	if err := json.Unmarshal(sidecar, &decoded); err != nil {
		t.Fatalf("decode sidecar: %v", err)
	}
	if decoded.Meta != meta {
		t.Fatalf("sidecar meta = %#v, want %#v", decoded.Meta, meta)
	}
}

func TestLocalReportStoreGeneratesID(t *testing.T) {
	t.Parallel()

	store := &LocalReportStore{BaseDir: t.TempDir()}
	stored, err := store.StoreReport(context.Background(), writeReport(t), ReportMeta{Outcome: OutcomePass})
	if err != nil {
		t.Fatalf("StoreReport() error = %v", err)
	}
	if len(stored.ID) != 36 {
		t.Fatalf("generated id = %q, want uuid", stored.ID)
	}
}

func TestLocalReportStoreRequiresBaseDir(t *testing.T) {
	t.Parallel()

	if _, err := (&LocalReportStore{}).StoreReport(context.Background(), writeReport(t), ReportMeta{}); err == nil {
		t.Fatal("StoreReport() error = nil, want non-nil")
	}
}

type stubUploader struct {
	exists  bool
	made    string
	bucket  string
	object  string
	path    string
	opts    minio.PutObjectOptions
	putErr  error
	headErr error
}

func (s *stubUploader) BucketExists(_ context.Context, _ string) (bool, error) {
	return s.exists, s.headErr
}

func (s *stubUploader) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	s.made = bucket
	return nil
}

func (s *stubUploader) FPutObject(_ context.Context, bucket, object, path string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	s.bucket, s.object, s.path, s.opts = bucket, object, path, opts
	return minio.UploadInfo{Bucket: bucket, Key: object}, s.putErr
}

func TestS3ReportStore(t *testing.T) {
	t.Parallel()

	uploader := &stubUploader{}
	store := &S3ReportStore{Client: uploader, Bucket: "reports", Prefix: "/ci/", CreateBucket: true}
	report := writeReport(t)

	stored, err := store.StoreReport(context.Background(), report, ReportMeta{TestID: "run-1", Outcome: OutcomeSkip, ExitCode: 5})
	if err != nil {
		t.Fatalf("StoreReport() error = %v", err)
	}
	if uploader.made != "reports" {
		t.Fatalf("bucket not created: %q", uploader.made)
	}
	if uploader.object != "ci/run-1/report.html" || uploader.path != report {
		t.Fatalf("uploaded %q from %q", uploader.object, uploader.path)
	}
	if uploader.opts.ContentType != "text/html" || uploader.opts.UserMetadata["outcome"] != "SKIP" {
		t.Fatalf("put options = %#v", uploader.opts)
	}
	if stored.URI != "s3://reports/ci/run-1/report.html" {
		t.Fatalf("URI = %q", stored.URI)
	}
}

func TestS3ReportStoreWithoutTestID(t *testing.T) {
	t.Parallel()

	uploader := &stubUploader{exists: true}
	store := &S3ReportStore{Client: uploader, Bucket: "reports", CreateBucket: true}
	stored, err := store.StoreReport(context.Background(), writeReport(t), ReportMeta{Outcome: OutcomePass})
	if err != nil {
		t.Fatalf("StoreReport() error = %v", err)
	}
	if uploader.made != "" {
		t.Fatal("existing bucket recreated")
	}
	if uploader.object != stored.ID+".html" {
		t.Fatalf("object = %q, id = %q", uploader.object, stored.ID)
	}
}

func TestNewS3ReportStoreRequiresBucket(t *testing.T) {
	t.Parallel()

	if _, err := NewS3ReportStore(S3Options{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("NewS3ReportStore() error = nil, want non-nil")
	}
}

type failingStore struct{}

func (failingStore) StoreReport(context.Context, string, ReportMeta) (StoredReport, error) {
	return StoredReport{}, errors.New("bucket unreachable")
}

func TestMultiStoreContinuesPastFailures(t *testing.T) {
	t.Parallel()

	local := &LocalReportStore{BaseDir: t.TempDir()}
	multi := &MultiStore{Stores: []ReportStore{failingStore{}, local}, Logger: logging.Discard()}

	stored, err := multi.StoreReport(context.Background(), writeReport(t), ReportMeta{TestID: "x", Outcome: OutcomePass})
	if err == nil || !strings.Contains(err.Error(), "bucket unreachable") {
		t.Fatalf("StoreReport() error = %v, want store failure", err)
	}
	if !strings.HasPrefix(stored.URI, "file://") {
		t.Fatalf("StoreReport() = %#v, want local placement", stored)
	}
}
