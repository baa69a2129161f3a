package validation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/imagecheck/internal/logging"
)

// ReportMeta identifies the run a report belongs to.
type ReportMeta struct {
	TestID   string  `json:"test_id"`
	ImageID  string  `json:"image_id,omitempty"`
	Outcome  Outcome `json:"outcome"`
	ExitCode int     `json:"exit_code"`
}

// StoredReport describes a report after it has been persisted.
type StoredReport struct {
	ID          string     `json:"id"`
	URI         string     `json:"uri"`
	ContentType string     `json:"content_type"`
	StoredAt    time.Time  `json:"stored_at"`
	Meta        ReportMeta `json:"meta"`
}

// ReportStore persists validator reports.
type ReportStore interface {
	StoreReport(ctx context.Context, reportPath string, meta ReportMeta) (StoredReport, error)
}

// LocalReportStore copies reports under BaseDir and writes a JSON sidecar
// with the run metadata next to each one.
type LocalReportStore struct {
	BaseDir string
}

func (store *LocalReportStore) StoreReport(ctx context.Context, reportPath string, meta ReportMeta) (StoredReport, error) {
	if store.BaseDir == "" {
		return StoredReport{}, errors.New("base directory is not configured")
	}
	if reportPath == "" {
		return StoredReport{}, errors.New("report path is required")
	}
	if err := ctx.Err(); err != nil {
		return StoredReport{}, err
	}

	if err := os.MkdirAll(store.BaseDir, 0o755); err != nil {
		return StoredReport{}, err
	}

	src, err := os.Open(reportPath)
	if err != nil {
		return StoredReport{}, err
	}
	defer src.Close()

	id := reportID(meta)
	destPath := filepath.Join(store.BaseDir, id+filepath.Ext(reportPath))
	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return StoredReport{}, err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return StoredReport{}, err
	}
	if err := dst.Close(); err != nil {
		return StoredReport{}, err
	}

	stored := StoredReport{
		ID:          id,
		URI:         "file://" + destPath,
		ContentType: contentType(destPath),
		StoredAt:    time.Now().UTC(),
		Meta:        meta,
	}
	payload, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return StoredReport{}, err
	}
	if err := os.WriteFile(destPath+".json", payload, 0o644); err != nil {
		return StoredReport{}, err
	}
	return stored, nil
}

// MultiStore hands every report to each store in turn. A failing store is
// logged and does not prevent the others from running.
type MultiStore struct {
	Stores []ReportStore
	Logger *slog.Logger
}

// StoreReport returns the first successful placement and the joined errors
// of the stores that failed.
func (m *MultiStore) StoreReport(ctx context.Context, reportPath string, meta ReportMeta) (StoredReport, error) {
	logger := logging.Ensure(m.Logger)
	var (
		first StoredReport
		found bool
		errs  []error
	)
	for _, store := range m.Stores {
		if store == nil {
			continue
		}
		stored, err := store.StoreReport(ctx, reportPath, meta)
		if err != nil {
			logger.Warn("report store failed", "path", reportPath, "error", err)
			errs = append(errs, err)
			continue
		}
		logger.Info("report stored", "uri", stored.URI)
		if !found {
			first, found = stored, true
		}
	}
	return first, errors.Join(errs...)
}

// reportID prefers the test identifier so reports from one run share a name.
func reportID(meta ReportMeta) string {
	if id := strings.TrimSpace(meta.TestID); id != "" {
		return id + "-report"
	}
	return uuid.NewString()
}

func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return "text/html"
	case ".xml":
		return "application/xml"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
