package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"metald/pkg/telemetry"
	"metald/services/creds"
	"metald/services/explorer"
	"metald/services/ipxe"
	"metald/services/lifecycle"
)

const (
	defaultAttempts    = 3
	provisionBackoff   = 5 * time.Second
	provisionDeadline  = 10 * time.Minute
	defaultRunInterval = 30 * time.Second
	defaultErrorRetry  = 15 * time.Minute
)

// EntityStore is the slice of the lifecycle store the orchestrator drives.
type EntityStore interface {
	List(ctx context.Context, states ...lifecycle.State) ([]lifecycle.Entity, error)
	Transition(ctx context.Context, entityID uuid.UUID, to lifecycle.State, cause string) (lifecycle.Transition, error)
	SetNeedsAttention(ctx context.Context, entityID uuid.UUID, needs bool) error
}

// EndpointResolver looks up the management endpoint an entity was paired
// from.
type EndpointResolver interface {
	Get(ctx context.Context, id uuid.UUID) (explorer.Endpoint, error)
}

// CredentialSource resolves the BMC credential for an entity.
type CredentialSource interface {
	Resolve(ctx context.Context, req creds.Request) (creds.Credential, error)
}

// ArtifactCache mirrors boot artifacts before rendering. Optional.
type ArtifactCache interface {
	EnsureLocal(ctx context.Context, def ipxe.Definition) (ipxe.Definition, error)
}

// Orchestrator moves attested entities through provisioning to Ready.
type Orchestrator struct {
	entities  EntityStore
	endpoints EndpointResolver
	creds     CredentialSource
	renderer  *ipxe.Renderer
	cache     ArtifactCache
	power     PowerController
	profiles  *Profiles

	site        string
	console     string
	baseURL     string
	parallelism int
	attempts    uint64
	backoff     time.Duration
	errorRetry  time.Duration
	logger      *log.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
	scripts  map[uuid.UUID]string
}

// Config wires an Orchestrator.
type Config struct {
	Entities  EntityStore
	Endpoints EndpointResolver
	Creds     CredentialSource
	Renderer  *ipxe.Renderer
	Cache     ArtifactCache
	Power     PowerController
	Profiles  *Profiles

	Site        string
	Console     string
	BaseURL     string
	Parallelism int
	Logger      *log.Logger
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Entities == nil {
		return nil, errors.New("entity store is required")
	}
	if cfg.Endpoints == nil {
		return nil, errors.New("endpoint resolver is required")
	}
	if cfg.Renderer == nil {
		return nil, errors.New("renderer is required")
	}
	if cfg.Power == nil {
		return nil, errors.New("power controller is required")
	}
	if cfg.Profiles == nil {
		return nil, errors.New("boot profiles are required")
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	return &Orchestrator{
		entities:    cfg.Entities,
		endpoints:   cfg.Endpoints,
		creds:       cfg.Creds,
		renderer:    cfg.Renderer,
		cache:       cfg.Cache,
		power:       cfg.Power,
		profiles:    cfg.Profiles,
		site:        cfg.Site,
		console:     cfg.Console,
		baseURL:     cfg.BaseURL,
		parallelism: cfg.Parallelism,
		attempts:    defaultAttempts,
		backoff:     provisionBackoff,
		errorRetry:  defaultErrorRetry,
		logger:      cfg.Logger,
		inflight:    make(map[uuid.UUID]struct{}),
		scripts:     make(map[uuid.UUID]string),
	}, nil
}

// Run claims Attested entities on every tick and provisions them with
// bounded concurrency until ctx is done. Errored entities are picked up
// again once their cooling-off period has passed.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultRunInterval
	}

	sem := make(chan struct{}, o.parallelism)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		o.dispatch(ctx, sem)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, sem chan struct{}) {
	entities, err := o.entities.List(ctx, lifecycle.StateAttested)
	if err != nil {
		o.logger.Printf("[ERROR] list attested entities: %v", err)
		return
	}
	entities = append(entities, o.retryable(ctx)...)

	for _, entity := range entities {
		if !o.claim(entity.ID) {
			continue
		}

		select {
		case <-ctx.Done():
			o.release(entity.ID)
			return
		case sem <- struct{}{}:
		}

		go func(entity lifecycle.Entity) {
			defer func() { <-sem }()
			defer o.release(entity.ID)

			provisionCtx, cancel := context.WithTimeout(ctx, provisionDeadline)
			defer cancel()
			if err := o.Provision(provisionCtx, entity); err != nil {
				o.logger.Printf("[ERROR] provision entity %s: %v", entity.ID, err)
			}
		}(entity)
	}
}

// retryable returns Error entities whose last change is old enough to try
// provisioning again. Flagged machines are reconsidered on this long backoff
// rather than needing manual state surgery after a transient outage.
func (o *Orchestrator) retryable(ctx context.Context) []lifecycle.Entity {
	failed, err := o.entities.List(ctx, lifecycle.StateError)
	if err != nil {
		o.logger.Printf("[ERROR] list errored entities: %v", err)
		return nil
	}

	var out []lifecycle.Entity
	for _, entity := range failed {
		if time.Since(entity.UpdatedAt) >= o.errorRetry {
			out = append(out, entity)
		}
	}
	return out
}

// Provision drives one entity from Attested to Ready. Each attempt runs the
// full pipeline; on repeated failure the entity is moved to Error with the
// failing stage recorded and flagged for operator attention.
func (o *Orchestrator) Provision(ctx context.Context, entity lifecycle.Entity) error {
	if _, err := o.entities.Transition(ctx, entity.ID, lifecycle.StateProvisioning, "provisioning started"); err != nil {
		return fmt.Errorf("enter provisioning: %w", err)
	}

	backoff := retry.WithMaxRetries(o.attempts-1, retry.NewExponential(o.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := o.provisionOnce(ctx, entity); err != nil {
			o.logger.Printf("[WARN] provision attempt for %s: %v", entity.ID, err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		if _, trErr := o.entities.Transition(ctx, entity.ID, lifecycle.StateError, err.Error()); trErr != nil {
			o.logger.Printf("[ERROR] record provisioning failure for %s: %v", entity.ID, trErr)
		}
		if flagErr := o.entities.SetNeedsAttention(ctx, entity.ID, true); flagErr != nil {
			o.logger.Printf("[ERROR] flag entity %s: %v", entity.ID, flagErr)
		}
		return err
	}

	if _, err := o.entities.Transition(ctx, entity.ID, lifecycle.StateReady, "provisioning complete"); err != nil {
		return fmt.Errorf("enter ready: %w", err)
	}
	if entity.NeedsAttention {
		if err := o.entities.SetNeedsAttention(ctx, entity.ID, false); err != nil {
			o.logger.Printf("[WARN] clear attention flag for %s: %v", entity.ID, err)
		}
	}
	return nil
}

func (o *Orchestrator) provisionOnce(ctx context.Context, entity lifecycle.Entity) error {
	if entity.EndpointID == nil {
		return errors.New("entity has no management endpoint")
	}
	endpoint, err := o.endpoints.Get(ctx, *entity.EndpointID)
	if err != nil {
		return fmt.Errorf("resolve endpoint: %w", err)
	}

	cred, err := o.resolveCredential(ctx, entity)
	if err != nil {
		return fmt.Errorf("resolve credential: %w", err)
	}

	def, err := o.profiles.For(string(entity.Kind))
	if err != nil {
		return err
	}

	if o.cache != nil {
		def, err = o.cache.EnsureLocal(ctx, def)
		if err != nil {
			return fmt.Errorf("cache artifacts: %w", err)
		}
	} else {
		// Without a cache the site mirror is assumed pre-seeded; point
		// cacheable artifacts at their predictable mirror paths under
		// base_url.
		def = ipxe.FabricateLocalURLs(def)
	}

	script, err := o.renderer.Render(def, []ipxe.Parameter{
		{Name: "base_url", Value: o.baseURL},
		{Name: "console", Value: o.console},
	})
	if err != nil {
		telemetry.RendersTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("render boot script: %w", err)
	}
	telemetry.RendersTotal.WithLabelValues("ok").Inc()

	o.mu.Lock()
	o.scripts[entity.ID] = script
	o.mu.Unlock()

	if err := o.power.PXECycle(ctx, endpoint.Address, cred); err != nil {
		return fmt.Errorf("pxe cycle: %w", err)
	}
	return nil
}

func (o *Orchestrator) resolveCredential(ctx context.Context, entity lifecycle.Entity) (creds.Credential, error) {
	if o.creds == nil {
		return creds.Credential{}, nil
	}
	return o.creds.Resolve(ctx, creds.Request{
		Category: "bmc",
		Purpose:  "login",
		EntityID: entity.ID.String(),
		Site:     o.site,
	})
}

// Script returns the most recently rendered boot script for an entity.
func (o *Orchestrator) Script(entityID uuid.UUID) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	script, ok := o.scripts[entityID]
	return script, ok
}

func (o *Orchestrator) claim(entityID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[entityID]; busy {
		return false
	}
	o.inflight[entityID] = struct{}{}
	return true
}

func (o *Orchestrator) release(entityID uuid.UUID) {
	o.mu.Lock()
	delete(o.inflight, entityID)
	o.mu.Unlock()
}
