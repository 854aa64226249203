package explorer

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"metald/pkg/bmc"
	"metald/pkg/telemetry"
	"metald/services/creds"
)

const probeTimeout = 30 * time.Second

// Identity is what a successful probe learns about a target.
type Identity struct {
	Kind         string
	Manufacturer string
	Model        string
	Serial       string
	MACs         []string
	Capabilities map[string]any
}

// Prober probes a single management endpoint.
type Prober interface {
	Probe(ctx context.Context, target Target, cred creds.Credential) (Identity, error)
}

// CredentialSource resolves the login credential for a sweep target.
type CredentialSource interface {
	Resolve(ctx context.Context, req creds.Request) (creds.Credential, error)
}

// EndpointStore persists sweep results.
type EndpointStore interface {
	RecordIdentity(ctx context.Context, target Target, id Identity) error
	RecordFailure(ctx context.Context, target Target, cause error) error
}

// RedfishProber probes targets over Redfish.
type RedfishProber struct{}

func (RedfishProber) Probe(ctx context.Context, target Target, cred creds.Credential) (Identity, error) {
	client, err := bmc.Connect(ctx, bmc.Options{
		Endpoint: target.Address,
		Username: cred.Username,
		Password: cred.Password,
		Insecure: target.Insecure,
	})
	if err != nil {
		return Identity{}, err
	}
	defer client.Close()

	probed, err := client.Probe(ctx)
	if err != nil {
		return Identity{}, err
	}

	return Identity{
		Kind:         inferKind(target, probed.Model),
		Manufacturer: probed.Manufacturer,
		Model:        probed.Model,
		Serial:       probed.Serial,
		MACs:         probed.MACs,
		Capabilities: probed.Capabilities,
	}, nil
}

// inferKind prefers the target's declared kind, falling back to model
// heuristics and then to host.
func inferKind(target Target, model string) string {
	if target.Kind != "" {
		return target.Kind
	}
	model = strings.ToLower(model)
	switch {
	case strings.Contains(model, "bluefield"):
		return "dpu"
	case strings.Contains(model, "switch"):
		return "switch"
	case strings.Contains(model, "power shelf"), strings.Contains(model, "powershelf"):
		return "power_shelf"
	default:
		return "host"
	}
}

// Explorer sweeps the configured targets and maintains the endpoints table.
type Explorer struct {
	store       EndpointStore
	prober      Prober
	creds       CredentialSource
	targets     []Target
	parallelism int
	interval    time.Duration
	logger      *log.Logger
}

// New creates an Explorer. parallelism bounds concurrent probes per sweep.
func New(store EndpointStore, prober Prober, credsSource CredentialSource, targets []Target, parallelism int, interval time.Duration, logger *log.Logger) (*Explorer, error) {
	if store == nil {
		return nil, errors.New("endpoint store is required")
	}
	if prober == nil {
		return nil, errors.New("prober is required")
	}
	if parallelism <= 0 {
		parallelism = 1
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Explorer{
		store:       store,
		prober:      prober,
		creds:       credsSource,
		targets:     targets,
		parallelism: parallelism,
		interval:    interval,
		logger:      logger,
	}, nil
}

// Run sweeps immediately and then on every interval tick until ctx is done.
func (e *Explorer) Run(ctx context.Context) {
	e.Sweep(ctx)

	if e.interval <= 0 {
		return
	}
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep probes every configured target with bounded concurrency. Individual
// target failures are recorded on the endpoint row and never abort the sweep.
func (e *Explorer) Sweep(ctx context.Context) {
	sem := make(chan struct{}, e.parallelism)
	var wg sync.WaitGroup

	for _, target := range e.targets {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(target Target) {
			defer wg.Done()
			defer func() { <-sem }()
			e.sweepTarget(ctx, target)
		}(target)
	}

	wg.Wait()
}

func (e *Explorer) sweepTarget(ctx context.Context, target Target) {
	cred, err := e.resolveCredential(ctx, target)
	if err != nil {
		e.logger.Printf("[WARN] sweep %s: %v", target.Address, err)
		e.recordFailure(ctx, target, err)
		telemetry.SweepTargetsTotal.WithLabelValues("credential_error").Inc()
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var identity Identity
	backoff := retry.WithMaxRetries(2, retry.NewExponential(time.Second))
	err = retry.Do(probeCtx, backoff, func(ctx context.Context) error {
		var probeErr error
		identity, probeErr = e.prober.Probe(ctx, target, cred)
		if probeErr != nil {
			return retry.RetryableError(probeErr)
		}
		return nil
	})
	if err != nil {
		e.logger.Printf("[WARN] probe %s: %v", target.Address, err)
		e.recordFailure(ctx, target, err)
		telemetry.SweepTargetsTotal.WithLabelValues("probe_error").Inc()
		return
	}

	if err := e.store.RecordIdentity(ctx, target, identity); err != nil {
		e.logger.Printf("[ERROR] record endpoint %s: %v", target.Address, err)
		telemetry.SweepTargetsTotal.WithLabelValues("store_error").Inc()
		return
	}
	telemetry.SweepTargetsTotal.WithLabelValues("ok").Inc()
}

func (e *Explorer) resolveCredential(ctx context.Context, target Target) (creds.Credential, error) {
	if e.creds == nil {
		return creds.Credential{}, nil
	}
	return e.creds.Resolve(ctx, creds.Request{
		Category: "bmc",
		Purpose:  "login",
		Role:     target.Role,
		Site:     target.Site,
	})
}

func (e *Explorer) recordFailure(ctx context.Context, target Target, cause error) {
	if err := e.store.RecordFailure(ctx, target, cause); err != nil {
		e.logger.Printf("[ERROR] record failure for %s: %v", target.Address, err)
	}
}
