package ipxe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"metald/pkg/telemetry"
)

const (
	defaultFetchAttempts = 3
	fetchBackoffBase     = 500 * time.Millisecond
)

// ObjectStore is the destination for cached artifact content.
type ObjectStore interface {
	// Put uploads body under key, recording its SHA-256 digest.
	Put(ctx context.Context, key string, body io.Reader, size int64, sha256Hex string) error
	// PublicURL returns the URL boot clients use to fetch the stored object.
	PublicURL(key string) string
}

// Cache mirrors remote boot artifacts into the object store and assigns
// local URLs. An artifact with a given content digest is fetched at most
// once system-wide: concurrent requests for the same digest share a single
// in-flight fetch.
type Cache struct {
	store    ObjectStore
	client   *http.Client
	logger   *log.Logger
	group    singleflight.Group
	attempts uint64

	mu    sync.RWMutex
	local map[string]string
}

// NewCache creates a Cache publishing into the provided object store.
func NewCache(store ObjectStore, logger *log.Logger) (*Cache, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Cache{
		store:    store,
		client:   &http.Client{Timeout: 10 * time.Minute},
		logger:   logger,
		attempts: defaultFetchAttempts,
		local:    make(map[string]string),
	}, nil
}

// EnsureLocal returns a copy of def whose cacheable artifacts carry a local
// URL. Remote-only artifacts pass through untouched. A failed fetch is fatal
// only for local-only artifacts; cache-as-needed artifacts fall back to
// their origin URL.
func (c *Cache) EnsureLocal(ctx context.Context, def Definition) (Definition, error) {
	out := def
	out.Artifacts = make([]Artifact, len(def.Artifacts))
	copy(out.Artifacts, def.Artifacts)

	for i := range out.Artifacts {
		a := &out.Artifacts[i]
		if a.CacheStrategy == CacheRemoteOnly {
			continue
		}
		if a.LocalURL != "" {
			continue
		}

		localURL, err := c.ensureArtifact(ctx, *a)
		if err != nil {
			if a.CacheStrategy == CacheLocalOnly {
				return Definition{}, err
			}
			c.logger.Printf("[WARN] artifact %q not cached, using origin url: %v", a.Name, err)
			continue
		}
		a.LocalURL = localURL
	}
	return out, nil
}

// ensureArtifact fetches and publishes one artifact, deduplicated per
// content digest.
func (c *Cache) ensureArtifact(ctx context.Context, a Artifact) (string, error) {
	key := cacheKey(a)

	c.mu.RLock()
	cached, ok := c.local[key]
	c.mu.RUnlock()
	if ok {
		telemetry.ArtifactCacheHits.Inc()
		return cached, nil
	}

	url, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under singleflight; a concurrent caller may have
		// completed the fetch while this one was queued.
		c.mu.RLock()
		cached, ok := c.local[key]
		c.mu.RUnlock()
		if ok {
			telemetry.ArtifactCacheHits.Inc()
			return cached, nil
		}

		localURL, err := c.fetchAndPublish(ctx, a, key)
		if err != nil {
			return "", err
		}

		c.mu.Lock()
		c.local[key] = localURL
		c.mu.Unlock()
		return localURL, nil
	})
	if err != nil {
		return "", err
	}
	return url.(string), nil
}

func (c *Cache) fetchAndPublish(ctx context.Context, a Artifact, key string) (string, error) {
	objectKey := "artifacts/" + key

	backoff := retry.WithMaxRetries(c.attempts-1, retry.NewExponential(fetchBackoffBase))
	var digest string
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		digest, err = c.fetchOnce(ctx, a, objectKey)
		if err != nil {
			telemetry.ArtifactFetchFailures.Inc()
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return "", &CacheFetchError{Name: a.Name, URL: a.URL, Err: err}
	}

	telemetry.ArtifactFetches.Inc()
	c.logger.Printf("[INFO] cached artifact %q (digest %s)", a.Name, digest)
	return c.store.PublicURL(objectKey), nil
}

// fetchOnce downloads the artifact to a temporary file, verifies its digest
// when the definition declares one, and uploads it to the object store.
func (c *Cache) fetchOnce(ctx context.Context, a Artifact, objectKey string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return "", err
	}
	if a.AuthToken != "" {
		switch strings.ToLower(a.AuthType) {
		case "", "bearer":
			req.Header.Set("Authorization", "Bearer "+a.AuthToken)
		default:
			req.Header.Set("Authorization", a.AuthType+" "+a.AuthToken)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("origin returned status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "metald-artifact-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	hasher := sha256.New()
	size, err := io.Copy(tmp, io.TeeReader(resp.Body, hasher))
	if err != nil {
		return "", err
	}
	digest := hex.EncodeToString(hasher.Sum(nil))

	if declared := normalizeDigest(a.SHA); declared != "" && declared != digest {
		return "", fmt.Errorf("digest mismatch: declared %s, downloaded %s", declared, digest)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	if err := c.store.Put(ctx, objectKey, tmp, size, digest); err != nil {
		return "", fmt.Errorf("publish to object store: %w", err)
	}
	return digest, nil
}

// cacheKey identifies an artifact's content. The declared digest is used
// when present; otherwise the origin URL stands in until the content is
// known.
func cacheKey(a Artifact) string {
	if digest := normalizeDigest(a.SHA); digest != "" {
		return digest
	}
	sum := sha256.Sum256([]byte(a.URL))
	return hex.EncodeToString(sum[:])
}

func normalizeDigest(sha string) string {
	sha = strings.TrimSpace(strings.ToLower(sha))
	return strings.TrimPrefix(sha, "sha256:")
}
