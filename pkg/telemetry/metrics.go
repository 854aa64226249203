package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Domain counters shared by the orchestration components. All are registered
// on the default registry and exposed by the API service at /metrics.
var (
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metald_lifecycle_transitions_total",
		Help: "State transitions recorded in the history ledger.",
	}, []string{"to", "accepted"})

	SweepTargetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metald_explorer_sweep_targets_total",
		Help: "Discovery probe outcomes per sweep target.",
	}, []string{"outcome"})

	PairingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metald_pairings_total",
		Help: "Pairing attempts by outcome.",
	}, []string{"outcome"})

	AttestationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metald_attestations_total",
		Help: "Attestation verdicts produced by the gate.",
	}, []string{"verdict"})

	RendersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metald_ipxe_renders_total",
		Help: "Boot script render attempts by outcome.",
	}, []string{"outcome"})

	ArtifactFetches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metald_artifact_fetches_total",
		Help: "Artifacts fetched into the cache.",
	})

	ArtifactFetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metald_artifact_fetch_failures_total",
		Help: "Failed artifact fetch attempts, including retried ones.",
	})

	ArtifactCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metald_artifact_cache_hits_total",
		Help: "Artifact requests served from the cache index.",
	})

	CredentialCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metald_credential_cache_hits_total",
		Help: "Credential resolutions served from the TTL cache.",
	})

	CredentialResolves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metald_credential_resolves_total",
		Help: "Credential resolutions against the secret store.",
	}, []string{"outcome"})
)
