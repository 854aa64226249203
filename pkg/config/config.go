package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all process configuration, read from the environment.
type Config struct {
	ListenAddr  string
	DatabaseDSN string
	NATSURL     string

	Vault struct {
		Address   string
		Token     string
		MountPath string
	}

	Explorer struct {
		TargetsPath   string
		SweepInterval time.Duration
		Parallelism   int
	}

	Attest struct {
		Provider   string
		PolicyPath string
		QuoteURL   string
	}

	IPXE struct {
		CatalogPath     string
		ArtifactBucket  string
		ArtifactBaseURL string
		SiteBaseURL     string
		Console         string
	}

	Orchestrator struct {
		Parallelism  int
		Site         string
		ProfilesPath string
	}
}

// Load reads configuration from environment variables and validates the
// required settings.
func Load() (Config, error) {
	cfg := Config{}

	cfg.ListenAddr = getEnv("METALD_LISTEN_ADDR", ":8080")
	cfg.DatabaseDSN = os.Getenv("METALD_DB_DSN")
	if cfg.DatabaseDSN == "" {
		return Config{}, fmt.Errorf("METALD_DB_DSN is required")
	}
	cfg.NATSURL = getEnv("METALD_NATS_URL", "nats://127.0.0.1:4222")

	cfg.Vault.Address = os.Getenv("METALD_VAULT_ADDR")
	cfg.Vault.Token = os.Getenv("METALD_VAULT_TOKEN")
	cfg.Vault.MountPath = getEnv("METALD_VAULT_MOUNT", "secret")

	cfg.Explorer.TargetsPath = os.Getenv("METALD_EXPLORER_TARGETS")
	cfg.Explorer.SweepInterval = getEnvDuration("METALD_EXPLORER_INTERVAL", 5*time.Minute)
	cfg.Explorer.Parallelism = getEnvInt("METALD_EXPLORER_PARALLELISM", 16)
	if cfg.Explorer.Parallelism <= 0 {
		return Config{}, fmt.Errorf("METALD_EXPLORER_PARALLELISM must be positive")
	}

	cfg.Attest.Provider = getEnv("METALD_ATTEST_PROVIDER", "tpm")
	cfg.Attest.PolicyPath = os.Getenv("METALD_ATTEST_POLICY")
	cfg.Attest.QuoteURL = os.Getenv("METALD_ATTEST_QUOTE_URL")
	switch strings.ToLower(cfg.Attest.Provider) {
	case "tpm", "none":
	default:
		return Config{}, fmt.Errorf("unknown METALD_ATTEST_PROVIDER: %q", cfg.Attest.Provider)
	}

	cfg.IPXE.CatalogPath = os.Getenv("METALD_IPXE_CATALOG")
	cfg.IPXE.ArtifactBucket = getEnv("METALD_ARTIFACT_BUCKET", "boot-artifacts")
	cfg.IPXE.ArtifactBaseURL = os.Getenv("METALD_ARTIFACT_BASE_URL")
	cfg.IPXE.SiteBaseURL = os.Getenv("METALD_SITE_BASE_URL")
	cfg.IPXE.Console = getEnv("METALD_CONSOLE", "ttyS0,115200")

	cfg.Orchestrator.Parallelism = getEnvInt("METALD_ORCH_PARALLELISM", 8)
	if cfg.Orchestrator.Parallelism <= 0 {
		return Config{}, fmt.Errorf("METALD_ORCH_PARALLELISM must be positive")
	}
	cfg.Orchestrator.Site = getEnv("METALD_SITE", "default")
	cfg.Orchestrator.ProfilesPath = os.Getenv("METALD_BOOT_PROFILES")

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
