package evidence

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rotisserie/eris"
	"google.golang.org/api/option"

	"github.com/sells-group/eb-copilot/internal/config"
)

// GCS stores blobs in a Google Cloud Storage bucket and presigns V4 URLs.
type GCS struct {
	client      *storage.Client
	bucket      string
	signerEmail string
	signerKey   []byte
}

// NewGCS creates a GCS store. Credentials come from cfg.CredentialsFile or
// the ambient application default credentials.
func NewGCS(ctx context.Context, cfg config.EvidenceConfig) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, eris.New("evidence: gcs bucket is required")
	}
	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "evidence: create gcs client")
	}

	var key []byte
	if cfg.SignerKeyPath != "" {
		key, err = os.ReadFile(cfg.SignerKeyPath)
		if err != nil {
			client.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "evidence: read signer key %s", cfg.SignerKeyPath)
		}
	}
	return newGCS(client, cfg.Bucket, cfg.SignerEmail, key), nil
}

func newGCS(client *storage.Client, bucket, signerEmail string, signerKey []byte) *GCS {
	return &GCS{client: client, bucket: bucket, signerEmail: signerEmail, signerKey: signerKey}
}

func (g *GCS) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return eris.Wrapf(err, "evidence: write gs://%s/%s", g.bucket, key)
	}
	return eris.Wrapf(w.Close(), "evidence: close writer gs://%s/%s", g.bucket, key)
}

func (g *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	r, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "evidence: open gs://%s/%s", g.bucket, key)
	}
	defer r.Close() //nolint:errcheck

	data, err := io.ReadAll(r)
	return data, eris.Wrapf(err, "evidence: read gs://%s/%s", g.bucket, key)
}

// Presign signs a V4 GET URL. With no configured signer the client signs
// through the IAM credentials API of the ambient service account.
func (g *GCS) Presign(_ context.Context, key string, ttl time.Duration) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	}
	if g.signerEmail != "" && len(g.signerKey) > 0 {
		opts.GoogleAccessID = g.signerEmail
		opts.PrivateKey = g.signerKey
	}
	u, err := g.client.Bucket(g.bucket).SignedURL(key, opts)
	return u, eris.Wrapf(err, "evidence: presign gs://%s/%s", g.bucket, key)
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}
