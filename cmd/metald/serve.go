package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"metald/pkg/bus"
	"metald/pkg/config"
	"metald/pkg/db"
	"metald/pkg/objstore"
	"metald/pkg/secrets"
	"metald/pkg/telemetry"
	"metald/services/api"
	"metald/services/attest"
	"metald/services/creds"
	"metald/services/explorer"
	"metald/services/ipxe"
	"metald/services/lifecycle"
	"metald/services/orchestrator"
	"metald/services/pairing"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	shutdownTracing, httpMiddleware, logger, err := telemetry.Init(ctx, "metald")
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Printf("[ERROR] shutdown tracing: %v", err)
		}
	}()

	pool, err := db.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}

	orm, err := db.OpenORM(cfg.DatabaseDSN)
	if err != nil {
		return err
	}

	eventBus, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		logger.Printf("[WARN] nats unavailable, transitions will not be published: %v", err)
		eventBus = nil
	} else {
		defer eventBus.Close()
	}

	entities, err := lifecycle.NewStore(orm, eventBus, telemetry.ComponentLogger(logger, "lifecycle"))
	if err != nil {
		return err
	}
	endpoints, err := explorer.NewStore(orm)
	if err != nil {
		return err
	}

	var broker *creds.Broker
	if cfg.Vault.Address != "" {
		vault, err := secrets.NewVault(cfg.Vault.Address, cfg.Vault.Token, cfg.Vault.MountPath, telemetry.ComponentLogger(logger, "vault"))
		if err != nil {
			return err
		}
		broker, err = creds.NewBroker(vault, creds.DefaultTTL, telemetry.ComponentLogger(logger, "creds"))
		if err != nil {
			return err
		}
	} else {
		logger.Printf("[WARN] vault not configured, credential resolution disabled")
	}

	catalog := ipxe.DefaultCatalog()
	if cfg.IPXE.CatalogPath != "" {
		catalog, err = ipxe.LoadCatalog(cfg.IPXE.CatalogPath)
		if err != nil {
			return err
		}
	}
	renderer, err := ipxe.NewRenderer(catalog)
	if err != nil {
		return err
	}

	var cache *ipxe.Cache
	var bucket *objstore.Bucket
	if os.Getenv("S3_ENDPOINT") != "" {
		client, err := objstore.NewClientFromEnv()
		if err != nil {
			return err
		}
		bucket, err = objstore.NewBucket(client, cfg.IPXE.ArtifactBucket, cfg.IPXE.ArtifactBaseURL)
		if err != nil {
			return err
		}
		cache, err = ipxe.NewCache(bucket, telemetry.ComponentLogger(logger, "ipxe-cache"))
		if err != nil {
			return err
		}
	} else {
		logger.Printf("[WARN] object store not configured, cacheable artifacts will boot from pre-seeded site mirror paths")
	}

	if cfg.Explorer.TargetsPath != "" {
		targets, err := explorer.LoadTargets(cfg.Explorer.TargetsPath)
		if err != nil {
			return err
		}
		exp, err := explorer.New(endpoints, explorer.RedfishProber{}, explorerCreds(broker), targets,
			cfg.Explorer.Parallelism, cfg.Explorer.SweepInterval, telemetry.ComponentLogger(logger, "explorer"))
		if err != nil {
			return err
		}
		go exp.Run(ctx)
	} else {
		logger.Printf("[WARN] no sweep targets configured, discovery disabled")
	}

	pairer, err := pairing.New(orm, entities, telemetry.ComponentLogger(logger, "pairing"))
	if err != nil {
		return err
	}
	go pairer.Run(ctx, time.Minute)

	gate, err := newGate(cfg, orm, entities, telemetry.ComponentLogger(logger, "attest"))
	if err != nil {
		return err
	}
	go gate.Run(ctx, time.Minute)

	var orch *orchestrator.Orchestrator
	if cfg.Orchestrator.ProfilesPath != "" {
		profiles, err := orchestrator.LoadProfiles(cfg.Orchestrator.ProfilesPath)
		if err != nil {
			return err
		}
		orch, err = orchestrator.New(orchestrator.Config{
			Entities:    entities,
			Endpoints:   endpoints,
			Creds:       orchestratorCreds(broker),
			Renderer:    renderer,
			Cache:       artifactCache(cache),
			Power:       orchestrator.RedfishPower{},
			Profiles:    profiles,
			Site:        cfg.Orchestrator.Site,
			Console:     cfg.IPXE.Console,
			BaseURL:     cfg.IPXE.SiteBaseURL,
			Parallelism: cfg.Orchestrator.Parallelism,
			Logger:      telemetry.ComponentLogger(logger, "orchestrator"),
		})
		if err != nil {
			return err
		}
		go orch.Run(ctx, 30*time.Second)
	} else {
		logger.Printf("[WARN] no boot profiles configured, provisioning disabled")
	}

	apiSvc, err := api.New(pool, entities, endpoints, gate, catalog, scriptSource(orch), artifactPresigner(bucket))
	if err != nil {
		return err
	}
	routes, err := apiSvc.Routes()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpMiddleware(routes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("[INFO] listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newGate(cfg config.Config, orm *gorm.DB, entities *lifecycle.Store, logger *log.Logger) (*attest.Gate, error) {
	provider, policy, err := attestProvider(cfg)
	if err != nil {
		return nil, err
	}
	return attest.NewGate(orm, entities, provider, policy, logger)
}

// The credential helpers return nil interfaces when the broker is disabled
// so consumers fall back to anonymous access instead of calling a nil
// *Broker through a non-nil interface.
func explorerCreds(broker *creds.Broker) explorer.CredentialSource {
	if broker == nil {
		return nil
	}
	return broker
}

func orchestratorCreds(broker *creds.Broker) orchestrator.CredentialSource {
	if broker == nil {
		return nil
	}
	return broker
}

func artifactCache(cache *ipxe.Cache) orchestrator.ArtifactCache {
	if cache == nil {
		return nil
	}
	return cache
}

func scriptSource(orch *orchestrator.Orchestrator) api.ScriptSource {
	if orch == nil {
		return nil
	}
	return orch
}

func artifactPresigner(bucket *objstore.Bucket) api.Presigner {
	if bucket == nil {
		return nil
	}
	return bucket
}

func attestProvider(cfg config.Config) (attest.Provider, attest.Policy, error) {
	if strings.ToLower(cfg.Attest.Provider) != "tpm" {
		return attest.UnsupportedProvider{}, attest.Policy{}, nil
	}
	if cfg.Attest.PolicyPath == "" || cfg.Attest.QuoteURL == "" {
		return nil, attest.Policy{}, errors.New("tpm attestation requires METALD_ATTEST_POLICY and METALD_ATTEST_QUOTE_URL")
	}
	policy, err := attest.LoadPolicy(cfg.Attest.PolicyPath)
	if err != nil {
		return nil, attest.Policy{}, err
	}
	return &attest.TPMProvider{Source: &attest.HTTPQuoteSource{BaseURL: cfg.Attest.QuoteURL}}, policy, nil
}
