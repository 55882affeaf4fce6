// Package evidence stores uploaded evidence files and rendered reports as
// opaque blobs addressed by caller-chosen keys.
package evidence

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/eb-copilot/internal/config"
	"github.com/sells-group/eb-copilot/internal/model"
)

// Store puts, gets and presigns blobs.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get returns an error wrapping model.ErrNotFound for unknown keys.
	Get(ctx context.Context, key string) ([]byte, error)
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// New creates a Store for the configured driver.
func New(ctx context.Context, cfg config.EvidenceConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(), nil
	case "local", "":
		return NewLocal(cfg.LocalDir, cfg.PublicURL)
	case "gcs":
		return NewGCS(ctx, cfg)
	default:
		return nil, eris.Errorf("evidence: unsupported driver %q", cfg.Driver)
	}
}

// ArtifactKey is the storage key of an uploaded artifact file.
func ArtifactKey(tenantID, verificationID, artifactID, filename string) string {
	return path.Join("artifacts", tenantID, verificationID, artifactID+"-"+sanitizeFilename(filename))
}

// ReportKey is the storage key of a rendered report.
func ReportKey(tenantID, verificationID, reportID string) string {
	return path.Join("reports", tenantID, verificationID, reportID+".pdf")
}

func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	return name
}

// validateKey rejects keys that could escape a store root.
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return eris.Wrapf(model.ErrInvalid, "evidence: invalid key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return eris.Wrapf(model.ErrInvalid, "evidence: invalid key %q", key)
		}
	}
	return nil
}

func notFound(key string) error {
	return eris.Wrapf(model.ErrNotFound, "evidence object %s", key)
}
