// Command dshieldd is the egress-attested function execution audit
// daemon: it bootstraps the Signer, Log Store, Logging Proxy, Capability
// Probe, Manifest Registry, and the control-plane HTTP server, then blocks
// until told to shut down. It does not start a Function Sandbox.
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"

	"github.com/jameslbarnes/dshield/internal/auditlayer"
	"github.com/jameslbarnes/dshield/internal/auth"
	"github.com/jameslbarnes/dshield/internal/capability"
	"github.com/jameslbarnes/dshield/internal/config"
	"github.com/jameslbarnes/dshield/internal/handlers"
	"github.com/jameslbarnes/dshield/internal/keys"
	"github.com/jameslbarnes/dshield/internal/logstore"
	"github.com/jameslbarnes/dshield/internal/manifest"
	"github.com/jameslbarnes/dshield/internal/proxy"
	"github.com/jameslbarnes/dshield/internal/signer"
	tlsutil "github.com/jameslbarnes/dshield/internal/tls"
)

// AppContext holds the shared dependencies handed to handlers.RegisterRoutes.
type AppContext struct {
	Config           *config.Config
	DB               *sql.DB
	Store            logstore.Store
	Signer           signer.Signer
	KeyRegistry      *keys.Registry
	ManifestRegistry *manifest.Registry
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.LoadFromEnv()
	if cfg.LoadFileErr != nil {
		log.Printf("warning: %s not loaded cleanly: %v", cfg.ConfigFile, cfg.LoadFileErr)
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		log.Println("connected to postgres")
	}

	// Signer: an enclave-backed signer when required/configured, a
	// process-local RSA signer otherwise (dev and single-process profiles).
	var signClient signer.Signer
	if cfg.RequireEnclaveSigner {
		es, err := signer.NewEnclaveSignerFromEnv()
		if err != nil {
			log.Fatalf("REQUIRE_ENCLAVE_SIGNER=true but enclave signer could not be initialized: %v", err)
		}
		signClient = es
		log.Printf("enclave signer configured (endpoint=%s)", cfg.EnclaveSignerEndpoint)
	} else if cfg.EnclaveSignerEndpoint != "" {
		es, err := signer.NewEnclaveSignerFromEnv()
		if err == nil {
			signClient = es
			log.Printf("enclave signer configured (endpoint=%s)", cfg.EnclaveSignerEndpoint)
		} else {
			log.Printf("enclave signer not available: %v — falling back to local signer (dev only)", err)
		}
	}
	if signClient == nil {
		ls, err := signer.NewLocalSigner(false)
		if err != nil {
			log.Fatalf("failed to initialize local signer: %v", err)
		}
		signClient = ls
	}

	// Log Store: Postgres-backed when a database is configured, otherwise an
	// in-process store (dev and single-process profiles).
	var store logstore.Store
	if db != nil {
		pgStore, err := logstore.NewPostgresStore(db)
		if err != nil {
			log.Fatalf("failed to initialize postgres log store: %v", err)
		}
		store = pgStore
	} else {
		store = logstore.NewMemoryStore()
	}

	// Signer key registry: in-memory for the status/JWKS endpoint, backed by
	// Postgres when a database is configured so registrations survive a
	// daemon restart and are visible to every node behind the same DB.
	var keyStore *keys.Store
	keyReg := keys.NewRegistry()
	if db != nil {
		ks, err := keys.NewStore(db)
		if err != nil {
			log.Fatalf("failed to initialize key store: %v", err)
		}
		keyStore = ks

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		persisted, err := keyStore.ListSigners(ctx)
		cancel()
		if err != nil {
			log.Printf("warning: could not load persisted signers: %v", err)
		}
		for _, ki := range persisted {
			keyReg.AddSigner(ki.SignerId, ki.PublicKey, ki.Algorithm)
		}
		log.Printf("loaded %d persisted signer(s) from key store", len(persisted))
	}

	if pub, err := signClient.PublicKeyPEM(); err == nil {
		signerID := cfg.SignerKeyID
		keyReg.AddSigner(signerID, pub, "RSA-2048/RSASSA-PKCS1-v1_5/SHA-256")
		log.Printf("registered signer %s in key registry (fingerprint=%s)", signerID, keys.Fingerprint(pub))
		if keyStore != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := keyStore.AddSigner(ctx, signerID, pub, "RSA-2048/RSASSA-PKCS1-v1_5/SHA-256")
			cancel()
			if err != nil {
				log.Printf("warning: could not persist signer %s to key store: %v", signerID, err)
			}
		}
	} else {
		log.Printf("warning: could not fetch signer public key for registry: %v", err)
	}

	manifestReg := manifest.NewRegistry()

	app := &AppContext{
		Config:           cfg,
		DB:               db,
		Store:            store,
		Signer:           signClient,
		KeyRegistry:      keyReg,
		ManifestRegistry: manifestReg,
	}

	// --- Durable log streaming (DB-first pipeline to Kafka + S3) ---
	var streamerCancel context.CancelFunc
	if pgStore, ok := store.(*logstore.PostgresStore); ok {
		if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic != "" && cfg.S3Bucket != "" {
			producer, err := logstore.NewKafkaProducer(logstore.KafkaProducerConfig{
				Brokers:     cfg.KafkaBrokers,
				Topic:       cfg.KafkaTopic,
				MaxAttempts: 3,
			})
			if err != nil {
				log.Fatalf("failed to initialize kafka producer: %v", err)
			}
			log.Printf("kafka producer initialized (brokers=%v topic=%s)", cfg.KafkaBrokers, cfg.KafkaTopic)

			archiver, err := logstore.NewS3Archiver(context.Background(), cfg.S3Bucket, cfg.S3Prefix)
			if err != nil {
				log.Fatalf("failed to initialize s3 archiver: %v", err)
			}
			log.Printf("s3 archiver initialized (bucket=%s prefix=%s)", cfg.S3Bucket, cfg.S3Prefix)

			streamer := logstore.NewStreamer(pgStore, producer, archiver, logstore.StreamerConfig{
				BatchSize:      cfg.StreamBatchSize,
				MaxConcurrency: cfg.StreamMaxConcurrency,
				PollInterval:   time.Duration(cfg.StreamPollIntervalSeconds) * time.Second,
			})

			ctxStr, cancel := context.WithCancel(context.Background())
			streamerCancel = cancel
			go func() {
				if err := streamer.Run(ctxStr); err != nil && err != context.Canceled {
					log.Printf("[logstore.streamer] exited with error: %v", err)
				}
				log.Printf("[logstore.streamer] background runner stopped")
			}()
			log.Printf("log streamer started (batch=%d concurrency=%d poll=%ds)", cfg.StreamBatchSize, cfg.StreamMaxConcurrency, cfg.StreamPollIntervalSeconds)
		} else {
			log.Println("log streamer not started: KAFKA_BROKERS, KAFKA_TOPIC, and S3_BUCKET must all be set to enable")
		}
	} else {
		log.Println("log store is not Postgres-backed; streamer disabled")
	}

	// --- Logging Proxy ---
	lp := proxy.New(store, signClient)
	if err := lp.Start(cfg.ProxyListenAddr); err != nil {
		log.Fatalf("failed to start logging proxy: %v", err)
	}
	log.Printf("logging proxy listening on port %d", lp.GetPort())

	// --- Capability Probe (advisory, logged once at startup) ---
	probe := capability.Detect()
	level := probe.Classify()
	if cfg.CapabilityOverride != "" {
		level = capability.Level(cfg.CapabilityOverride)
	}
	log.Printf("capability level: %s (l1=%v l2=%v l3=%v l4=%v)", level, probe.L1ProxyEnv, probe.L2NetNamespace, probe.L3LoaderShim, probe.L4SeccompFilter)

	// --- Router and middleware ---
	r := chi.NewRouter()
	auditLayer := auditlayer.New(store, signClient)
	r.Use(auditLayer.Wrap)
	r.Use(auth.NewMiddleware(cfg))

	var jwks *auth.JWKSCache
	var jwksMetricsStop func()
	if jwksURL := strings.TrimSpace(cfg.JWKSURL); jwksURL != "" {
		client := &http.Client{Timeout: 2 * time.Second}
		if resp, err := client.Get(jwksURL); err != nil {
			log.Printf("warning: JWKS URL %s not reachable right now: %v (middleware will still be installed)", jwksURL, err)
		} else {
			_ = resp.Body.Close()
			if resp.StatusCode < 200 || resp.StatusCode >= 400 {
				log.Printf("warning: JWKS URL %s returned HTTP %d (middleware will still be installed)", jwksURL, resp.StatusCode)
			}
		}

		jwks = auth.NewJWKSCache(jwksURL, time.Duration(cfg.JWKSCacheTTLSeconds)*time.Second)
		jwksMetricsStop = auth.StartJWKSMetricsUpdater(jwks, 15*time.Second)
		log.Printf("JWKS metrics updater started (interval=15s)")

		r.Use(auth.OIDCMiddleware(jwks, cfg.OIDCIssuer, cfg.OIDCAudience))
		log.Printf("OIDC middleware configured (jwks=%s issuer=%s audience=%s ttl=%ds)", jwksURL, cfg.OIDCIssuer, cfg.OIDCAudience, cfg.JWKSCacheTTLSeconds)
	} else {
		log.Println("OIDC JWKS_URL not configured; skipping OIDC middleware (roles will not be validated)")
	}

	handlers.RegisterRoutes(app, r)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	certPath := strings.TrimSpace(cfg.TLSCertPath)
	keyPath := strings.TrimSpace(cfg.TLSKeyPath)
	if certPath != "" && keyPath != "" {
		tlsCfg, err := tlsutil.NewTLSConfigFromFiles(certPath, keyPath, strings.TrimSpace(cfg.TLSClientCAPath), cfg.RequireMTLS)
		if err != nil {
			log.Fatalf("failed to initialize TLS config: %v", err)
		}
		srv.TLSConfig = tlsCfg
		go func() {
			log.Printf("starting control plane (TLS) on %s", cfg.ListenAddr)
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				log.Fatalf("server failed: %v", err)
			}
		}()
	} else {
		go func() {
			log.Printf("starting control plane on %s", cfg.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("server failed: %v", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}

	proxyShutdownCtx, proxyCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer proxyCancel()
	if err := lp.Stop(proxyShutdownCtx); err != nil {
		log.Printf("logging proxy shutdown error: %v", err)
	}

	if streamerCancel != nil {
		streamerCancel()
		time.Sleep(10 * time.Second)
	}

	if jwksMetricsStop != nil {
		jwksMetricsStop()
		log.Println("JWKS metrics updater stopped")
	}

	if db != nil {
		_ = db.Close()
	}
	log.Println("dshieldd stopped")
}
