// Command btcd runs one BTC node: it loads configuration, opens the queue
// database, loads or generates the node's Ed25519 identity, wires every
// BTC component together, and serves the HTTP façade and sync listener
// until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/solarmesh/btc/pkg/cache"
	"github.com/solarmesh/btc/pkg/config"
	"github.com/solarmesh/btc/pkg/crypto"
	"github.com/solarmesh/btc/pkg/database"
	"github.com/solarmesh/btc/pkg/forwarding"
	"github.com/solarmesh/btc/pkg/metrics"
	"github.com/solarmesh/btc/pkg/queue"
	"github.com/solarmesh/btc/pkg/receipt"
	"github.com/solarmesh/btc/pkg/server"
	"github.com/solarmesh/btc/pkg/service"
	"github.com/solarmesh/btc/pkg/syncproto"
	"github.com/solarmesh/btc/pkg/trust"
	"github.com/solarmesh/btc/pkg/ttlengine"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		nodeID   = flag.String("node-id", "", "node identifier (overrides BTC_NODE_ID)")
		showHelp = flag.Bool("help", false, "show help message")
	)
	flag.Parse()

	if *showHelp {
		flag.Usage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if *nodeID != "" {
		cfg.NodeID = *nodeID
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	log.Printf("starting btc node %q (driver=%s)", cfg.NodeID, cfg.DatabaseDriver)

	dbClient, err := database.NewClient(cfg, database.WithLogger(
		log.New(log.Writer(), "[database] ", log.LstdFlags),
	))
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := dbClient.MigrateUp(context.Background()); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}
	log.Println("database migrations applied")

	key, err := crypto.LoadOrGenerate(cfg.KeysDir)
	if err != nil {
		log.Fatalf("failed to load or generate node keypair: %v", err)
	}
	fingerprint, err := key.Fingerprint()
	if err != nil {
		log.Fatalf("failed to compute node fingerprint: %v", err)
	}
	log.Printf("node identity: %s (fingerprint %s)", key.PublicKeyHex(), fingerprint)

	trustStore, err := trust.LoadWithMirror(cfg.TrustStorePath, cfg.TrustMirrorDir)
	if err != nil {
		log.Fatalf("failed to load trust store: %v", err)
	}

	peers := peerEndpointsFromConfig(cfg)
	if cfg.PeersFile != "" {
		descriptor, err := config.LoadFile(cfg.PeersFile)
		if err != nil {
			log.Fatalf("failed to load peers file: %v", err)
		}
		peers = descriptor.Peers
		log.Printf("loaded %d peer(s) from %s", len(peers), cfg.PeersFile)
	}

	store := queue.New(dbClient)
	accountant := cache.New(store, cfg)
	policy := forwarding.New(store, trustStore)

	bundles := service.New(key, store, accountant, trustStore, policy, cfg)
	receipts := receipt.New(store, bundles, bundles.NodeID())

	ttlEngine := ttlengine.New(store, cfg, receipts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ttlEngine.Start(ctx)
	log.Println("ttl engine started")

	collectors := metrics.New(prometheus.DefaultRegisterer)
	go refreshMetricsLoop(ctx, collectors, store, accountant)

	var syncSession *syncproto.Session
	if cfg.SyncListenAddr != "" {
		syncSession = syncproto.NewSession(store, accountant, policy, bundles, syncproto.PeerContext{})
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.New(bundles, syncSession, collectors).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("http api listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	go runSyncClients(ctx, cfg, store, accountant, policy, bundles, peers)

	<-ctx.Done()
	log.Println("shutdown signal received")

	ttlEngine.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}

	log.Println("btc node stopped")
}

// refreshMetricsLoop periodically recomputes gauge-backed metrics that
// aren't naturally event-driven (queue depths, cache usage).
func refreshMetricsLoop(ctx context.Context, collectors *metrics.Collectors, store *queue.Store, accountant *cache.Accountant) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := collectors.RefreshQueueDepths(ctx, store); err != nil {
				log.Printf("metrics: refreshing queue depths: %v", err)
			}
			if err := collectors.RefreshCacheUsage(ctx, accountant); err != nil {
				log.Printf("metrics: refreshing cache usage: %v", err)
			}
		}
	}
}

// peerEndpointsFromConfig builds a bare-bones peer roster from the
// comma-separated BTC_SYNC_PEERS host:port list, used when no richer
// BTC_PEERS_FILE roster is configured. Such peers carry no known
// locality/trust context, so only audience=public bundles will ever clear
// CanForwardToPeer against them.
func peerEndpointsFromConfig(cfg *config.Config) []config.PeerEndpoint {
	peers := make([]config.PeerEndpoint, 0, len(cfg.SyncPeers))
	for _, addr := range cfg.SyncPeers {
		peers = append(peers, config.PeerEndpoint{Name: addr, Address: addr})
	}
	return peers
}

// runSyncClients periodically dials each configured peer and runs one
// initiator sync round.
func runSyncClients(ctx context.Context, cfg *config.Config, store *queue.Store, accountant *cache.Accountant, policy *forwarding.Policy, validator syncproto.Validator, peers []config.PeerEndpoint) {
	if len(peers) == 0 {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, peer := range peers {
				syncOnce(ctx, cfg, store, accountant, policy, validator, peer)
			}
		}
	}
}

func syncOnce(ctx context.Context, cfg *config.Config, store *queue.Store, accountant *cache.Accountant, policy *forwarding.Policy, validator syncproto.Validator, peer config.PeerEndpoint) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.SyncDialTimeout)
	defer cancel()

	t, err := syncproto.DialWS(dialCtx, fmt.Sprintf("ws://%s/sync", peer.Address))
	if err != nil {
		log.Printf("sync: dialing %s failed: %v", peer.Address, err)
		return
	}
	defer t.Close()

	peerCtx := syncproto.PeerContext{PublicKeyHex: peer.PublicKeyHex, TrustScore: peer.TrustScore, IsLocal: peer.IsLocal}
	session := syncproto.NewSession(store, accountant, policy, validator, peerCtx)
	if err := session.RunInitiator(ctx, t); err != nil {
		log.Printf("sync: round with %s failed: %v", peer.Address, err)
		return
	}
	log.Printf("sync: round with %s completed", peer.Address)
}
