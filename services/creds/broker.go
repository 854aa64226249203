package creds

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"metald/pkg/secrets"
	"metald/pkg/telemetry"
)

// DefaultTTL bounds how long a resolved credential is served from the cache
// before the secret store is consulted again.
const DefaultTTL = 5 * time.Minute

// Request identifies the credential a caller needs. Category and Purpose are
// required; EntityID, Role, and Site narrow the scope.
type Request struct {
	Category string
	Purpose  string
	EntityID string
	Role     string
	Site     string
}

// Credential is resolved secret material. Username and Password are lifted
// from the conventional fields when present; Data carries everything.
type Credential struct {
	Username string
	Password string
	Data     map[string]string
}

// CredentialNotFoundError reports that no scope level held the requested
// credential. Attempted lists every path consulted, most specific first.
type CredentialNotFoundError struct {
	Attempted []string
}

func (e *CredentialNotFoundError) Error() string {
	return fmt.Sprintf("credential not found; attempted scopes: %s", strings.Join(e.Attempted, ", "))
}

type cacheEntry struct {
	cred      Credential
	expiresAt time.Time
}

// Broker resolves credentials from the secret store with scope precedence
// and a TTL cache.
//
// Scope paths follow <category>/<scope>/<purpose>. Resolution walks from the
// most specific scope to the least: the entity itself, then the role default,
// then the site default. The first path holding material wins.
type Broker struct {
	source secrets.Source
	ttl    time.Duration
	logger *log.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewBroker creates a Broker over the given secret source.
func NewBroker(source secrets.Source, ttl time.Duration, logger *log.Logger) (*Broker, error) {
	if source == nil {
		return nil, errors.New("secret source is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Broker{
		source: source,
		ttl:    ttl,
		logger: logger,
		cache:  make(map[string]cacheEntry),
	}, nil
}

// Resolve returns the credential for the request, served from the cache when
// fresh. A miss at every scope level returns a CredentialNotFoundError
// listing the attempted paths.
func (b *Broker) Resolve(ctx context.Context, req Request) (Credential, error) {
	if req.Category == "" || req.Purpose == "" {
		return Credential{}, errors.New("credential category and purpose are required")
	}

	paths := b.scopePaths(req)
	if len(paths) == 0 {
		return Credential{}, errors.New("credential request names no scope")
	}

	key := strings.Join(paths, "|")
	if cred, ok := b.cached(key); ok {
		telemetry.CredentialCacheHits.Inc()
		return cred, nil
	}

	for _, path := range paths {
		data, err := b.source.Read(ctx, path)
		if errors.Is(err, secrets.ErrNotFound) {
			continue
		}
		if err != nil {
			telemetry.CredentialResolves.WithLabelValues("error").Inc()
			return Credential{}, fmt.Errorf("resolve %s: %w", path, err)
		}

		cred := Credential{
			Username: data["username"],
			Password: data["password"],
			Data:     data,
		}
		b.store(key, cred)
		telemetry.CredentialResolves.WithLabelValues("hit").Inc()
		return cred, nil
	}

	telemetry.CredentialResolves.WithLabelValues("miss").Inc()
	return Credential{}, &CredentialNotFoundError{Attempted: paths}
}

// Invalidate drops any cached credential for the request, forcing the next
// Resolve to consult the secret store.
func (b *Broker) Invalidate(req Request) {
	key := strings.Join(b.scopePaths(req), "|")
	b.mu.Lock()
	delete(b.cache, key)
	b.mu.Unlock()
}

// scopePaths builds the candidate paths in precedence order: entity, then
// role, then site.
func (b *Broker) scopePaths(req Request) []string {
	var paths []string
	if req.EntityID != "" {
		paths = append(paths, fmt.Sprintf("%s/entities/%s/%s", req.Category, req.EntityID, req.Purpose))
	}
	if req.Role != "" {
		paths = append(paths, fmt.Sprintf("%s/roles/%s/%s", req.Category, req.Role, req.Purpose))
	}
	if req.Site != "" {
		paths = append(paths, fmt.Sprintf("%s/sites/%s/%s", req.Category, req.Site, req.Purpose))
	}
	return paths
}

func (b *Broker) cached(key string) (Credential, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return Credential{}, false
	}
	return entry.cred, true
}

func (b *Broker) store(key string, cred Credential) {
	b.mu.Lock()
	b.cache[key] = cacheEntry{cred: cred, expiresAt: time.Now().Add(b.ttl)}
	b.mu.Unlock()
}
