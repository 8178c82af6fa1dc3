// Command relayerd runs the meta-transaction relayer: an HTTP surface that
// accepts sponsor requests, applies them against the local contract state
// machine, and signs/broadcasts the corresponding NEAR transaction under a
// self-scaling pool of access keys.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"onsocial-core/config"
	"onsocial-core/gateway/middleware"
	"onsocial-core/native/common"
	"onsocial-core/native/dispatch"
	"onsocial-core/native/governance"
	"onsocial-core/native/groups"
	"onsocial-core/native/kv"
	"onsocial-core/native/permissions"
	"onsocial-core/observability"
	"onsocial-core/observability/logging"
	telemetry "onsocial-core/observability/otel"
	"onsocial-core/relayer"
	"onsocial-core/relayer/autoscale"
	"onsocial-core/relayer/httpapi"
	"onsocial-core/relayer/keypool"
	"onsocial-core/relayer/keystore"
	"onsocial-core/relayer/kms"
	"onsocial-core/relayer/nearrpc"
	"onsocial-core/relayer/nonce"
)

func main() {
	var cfgPath, logFilePath string
	flag.StringVar(&cfgPath, "config", "", "path to relayer configuration")
	flag.StringVar(&logFilePath, "log-file", "", "optional path to a rotating log file, in addition to stdout")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("ONSOCIAL_ENV"))
	slogger := logging.Setup("relayerd", env, logFilePath)
	logger := log.New(os.Stdout, "relayerd ", log.LstdFlags|log.Lmsgprefix)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := config.EnsureDataDir(cfg); err != nil {
		logger.Fatalf("ensure data dir: %v", err)
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: cfg.Observability.ServiceName,
		Environment: env,
		Endpoint:    cfg.Observability.OTLPEndpoint,
		Insecure:    true,
		Metrics:     cfg.Observability.Tracing,
		Traces:      cfg.Observability.Tracing,
	})
	if err != nil {
		slogger.Error("failed to initialise telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	masterKeyHex := strings.TrimSpace(os.Getenv("ONSOCIAL_KEYSTORE_MASTER_KEY"))
	if masterKeyHex == "" {
		logger.Fatal("ONSOCIAL_KEYSTORE_MASTER_KEY must be set to a 32-byte hex key")
	}
	masterKey, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		logger.Fatalf("decode ONSOCIAL_KEYSTORE_MASTER_KEY: %v", err)
	}

	adminSeedHex := strings.TrimSpace(os.Getenv("ONSOCIAL_NEAR_ADMIN_KEY"))
	if adminSeedHex == "" {
		logger.Fatal("ONSOCIAL_NEAR_ADMIN_KEY must be set to a 32-byte hex ed25519 seed for the account that submits AddKey/DeleteKey batches")
	}
	adminSeed, err := hex.DecodeString(adminSeedHex)
	if err != nil || len(adminSeed) != ed25519.SeedSize {
		logger.Fatalf("decode ONSOCIAL_NEAR_ADMIN_KEY: must be a %d-byte hex ed25519 seed", ed25519.SeedSize)
	}
	adminSigner := ed25519.NewKeyFromSeed(adminSeed)
	adminPublicKey := "ed25519:" + hex.EncodeToString(adminSigner.Public().(ed25519.PublicKey))

	store, err := keystore.Open(cfg.DataDir+"/keys.db", masterKey, nil)
	if err != nil {
		logger.Fatalf("open keystore: %v", err)
	}
	defer store.Close()

	pool := keypool.New(
		keypool.WithLeaseTimeout(cfg.KeyPool.LeaseTimeout.Duration),
		keypool.WithMetrics(observability.KeyPool()),
	)

	rpcClient := nearrpc.New(cfg.NEAR.RPCEndpoint, 10*time.Second)
	nonceManager := nonce.New(rpcClient, nonce.Config{})

	provisioner := &keyProvisioner{
		pool:           pool,
		store:          store,
		cfg:            cfg,
		rpc:            rpcClient,
		adminSigner:    adminSigner,
		adminPublicKey: adminPublicKey,
	}
	if err := restoreOrSeedPool(pool, store, provisioner, cfg); err != nil {
		logger.Fatalf("seed key pool: %v", err)
	}

	signer, err := kms.New(kms.Config{
		BaseURL: cfg.KMS.Endpoint,
		Timeout: cfg.KMS.Timeout.Duration,
	})
	if err != nil {
		logger.Fatalf("configure KMS client: %v", err)
	}

	runtime, closeContractStore, err := newContractRuntime(cfg)
	if err != nil {
		logger.Fatalf("configure contract runtime: %v", err)
	}
	defer closeContractStore()
	coordinator := relayer.New(pool, signer, rpcClient, nonceManager, runtime)

	scaler := autoscale.New(pool, provisioner, observability.KeyPool(), autoscale.Config{
		TargetInFlightRatio: cfg.Autoscale.TargetInFlightRatio,
		MinWarmSlots:        cfg.KeyPool.MinWarmSlots,
		MaxSlots:            cfg.KeyPool.MaxSlots,
		GrowStep:            cfg.Autoscale.GrowStep,
		ShrinkStep:          cfg.Autoscale.ShrinkStep,
		WarmBuffer:          cfg.Autoscale.WarmBuffer,
		BatchSize:           cfg.Autoscale.BatchSize,
		Cooldown:            cfg.Autoscale.Cooldown.Duration,
		MaxKeyAge:           cfg.Autoscale.MaxKeyAge.Duration,
		ScaleDownIdle:       cfg.Autoscale.ScaleDownIdle.Duration,
		EvaluateInterval:    cfg.Autoscale.EvaluateInterval.Duration,
	})

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   true,
		Enabled:       true,
	}, logger)

	rateLimiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"sponsor": {RatePerSecond: cfg.RateLimit.RequestsPerSecond, Burst: cfg.RateLimit.Burst},
	}, logger)

	router := httpapi.New(httpapi.Config{
		Sponsor:       coordinator,
		RateLimiter:   rateLimiter,
		Observability: obs,
		CORS: middleware.CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
		},
	})

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		logger.Fatalf("listen: %v", err)
	}

	group.Go(func() error {
		logger.Printf("listening on http://%s", listener.Addr())
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		scaler.Run(groupCtx, func(err error) {
			logger.Printf("autoscale evaluation error: %v", err)
		})
		return nil
	})

	<-ctx.Done()
	logger.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}

	if err := group.Wait(); err != nil {
		logger.Fatalf("relayerd exited with error: %v", err)
	}
}

// newContractRuntime wires the contract state machine that plays the role
// of the NEAR-hosted contract this relayer sponsors calls into, backed by a
// bbolt-persisted key/value store so restarts do not lose application state.
func newContractRuntime(cfg *config.Config) (*dispatch.Runtime, func() error, error) {
	now := func() int64 { return time.Now().UnixNano() }

	backend, err := kv.OpenBoltBackend(cfg.DataDir + "/contract.db")
	if err != nil {
		return nil, nil, fmt.Errorf("open contract store: %w", err)
	}

	groupStore := groups.NewStore(groups.WithClock(now), groups.WithDefaultVotingConfig(groups.VotingConfig{
		QuorumBps:           cfg.Governance.QuorumBps,
		PassThresholdBps:    cfg.Governance.PassThresholdBps,
		VotingPeriodSeconds: int64(cfg.Governance.VotingPeriod.Duration.Seconds()),
	}))
	permEngine := permissions.New(permissions.NewMemoryGrantStore(), groupStore)
	sponsorStore := groups.NewMemorySponsorStore()
	quotaEngine := groups.NewQuotaEngine(sponsorStore, now)
	kvStore := kv.New(backend, kv.DefaultShardCount, groups.PayerOfPath, quotaEngine)

	runtime := &dispatch.Runtime{
		KV:          kvStore,
		Permissions: permEngine,
		Groups:      groupStore,
		Sponsors:    quotaEngine,
		Guard:       common.NewPauseRegistry(),
		Emitter:     observability.FanoutEmitter{observability.MetricsEmitter{}},
		Now:         now,
	}
	runtime.Governance = governance.New(governance.NewMemoryProposalStore(), groupStore, runtime, dispatch.NewGroupPolicyView(groupStore), now)
	return runtime, backend.Close, nil
}

// restoreOrSeedPool loads persisted key slots from the keystore, or
// provisions the configured minimum number of warm slots (promoted
// immediately so the relayer has active capacity from its first tick) on
// first run.
func restoreOrSeedPool(pool *keypool.Pool, store *keystore.Store, provisioner *keyProvisioner, cfg *config.Config) error {
	ids, err := store.List()
	if err != nil {
		return fmt.Errorf("list persisted keys: %w", err)
	}
	if len(ids) == 0 {
		if err := provisioner.Provision(context.Background(), cfg.KeyPool.MinWarmSlots); err != nil {
			return err
		}
		pool.PromoteWarm(cfg.KeyPool.MinWarmSlots)
		return nil
	}
	for _, id := range ids {
		rec, err := store.Get(id)
		if err != nil {
			return fmt.Errorf("load key %s: %w", id, err)
		}
		pool.Add(&keypool.Slot{ID: rec.SlotID, AccountID: rec.AccountID, PublicKey: rec.PublicKey, Nonce: rec.Nonce, CreatedAt: rec.CreatedAt.UnixNano()})
	}
	pool.PromoteWarm(len(ids))
	return nil
}

// keyProvisioner generates new Ed25519 access keys, submits the on-chain
// AddKey/DeleteKey batch that actually provisions or retires them under the
// sponsor account, and persists the surviving key material, implementing
// autoscale.Provisioner. NEAR account keys are Ed25519, so crypto/ed25519
// generates key material directly; no corpus example ships a NEAR-specific
// key generation library to prefer over the standard one.
type keyProvisioner struct {
	pool  *keypool.Pool
	store *keystore.Store
	cfg   *config.Config

	rpc            *nearrpc.Client
	adminSigner    ed25519.PrivateKey
	adminPublicKey string
}

// Provision generates count new Ed25519 keys and submits one batched AddKey
// transaction naming all of them before any local state changes. If the
// transaction fails, none of the generated keys are persisted or added to
// the pool — a failed provision leaves no partial state.
func (p *keyProvisioner) Provision(ctx context.Context, count int) error {
	if count <= 0 {
		return nil
	}
	type generated struct {
		slotID    string
		publicKey string
		priv      ed25519.PrivateKey
	}
	batch := make([]generated, 0, count)
	actions := make([]nearrpc.KeyAction, 0, count)
	for i := 0; i < count; i++ {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
		slotID := fmt.Sprintf("slot-%s", hex.EncodeToString(pub[:8]))
		publicKey := "ed25519:" + hex.EncodeToString(pub)
		batch = append(batch, generated{slotID: slotID, publicKey: publicKey, priv: priv})
		actions = append(actions, nearrpc.KeyAction{Kind: "add_key", PublicKey: publicKey})
	}

	if _, err := p.rpc.SubmitKeyActions(ctx, p.cfg.NEAR.SponsorID, p.adminSigner, p.adminPublicKey, actions); err != nil {
		return fmt.Errorf("submit add_key batch: %w", err)
	}

	for _, g := range batch {
		rec := keystore.Record{
			SlotID:     g.slotID,
			AccountID:  p.cfg.NEAR.SponsorID,
			PublicKey:  g.publicKey,
			PrivateKey: g.priv,
			CreatedAt:  time.Now().UTC(),
		}
		if err := p.store.Put(rec); err != nil {
			return fmt.Errorf("persist key %s: %w", g.slotID, err)
		}
		p.pool.Add(&keypool.Slot{ID: g.slotID, AccountID: rec.AccountID, PublicKey: g.publicKey, CreatedAt: rec.CreatedAt.UnixNano()})
	}
	return nil
}

// Retire submits one batched DeleteKey transaction for the given slot ids,
// which the caller (the autoscaler) has already drained to draining or
// dead, and removes their persisted key material only once the chain call
// succeeds. A failed submission leaves the keystore untouched; the caller
// is responsible for reverting the pool's slot states via Pool.Restore so
// an access key is never deleted from the keystore while it is still live
// on chain.
func (p *keyProvisioner) Retire(ctx context.Context, slotIDs []string) error {
	if len(slotIDs) == 0 {
		return nil
	}
	actions := make([]nearrpc.KeyAction, 0, len(slotIDs))
	records := make([]keystore.Record, 0, len(slotIDs))
	for _, id := range slotIDs {
		rec, err := p.store.Get(id)
		if err != nil {
			return fmt.Errorf("load retiring key %s: %w", id, err)
		}
		records = append(records, rec)
		actions = append(actions, nearrpc.KeyAction{Kind: "delete_key", PublicKey: rec.PublicKey})
	}

	if _, err := p.rpc.SubmitKeyActions(ctx, p.cfg.NEAR.SponsorID, p.adminSigner, p.adminPublicKey, actions); err != nil {
		return fmt.Errorf("submit delete_key batch: %w", err)
	}

	for _, rec := range records {
		if err := p.store.Delete(rec.SlotID); err != nil {
			return fmt.Errorf("delete persisted key %s: %w", rec.SlotID, err)
		}
	}
	return nil
}
