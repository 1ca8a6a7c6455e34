// Command cis-node runs a single CIS node process: identity, the five
// logical databases, the dual-domain memory store, the P2P stack (mDNS
// discovery, QUIC+Noise transport, Kademlia DHT, peer manager), the
// persistent-agent pool, and the DAG scheduler, wired together through the
// dependency container and brought down on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cis-systems/cis-node/internal/agentpool"
	"github.com/cis-systems/cis-node/internal/config"
	"github.com/cis-systems/cis-node/internal/container"
	"github.com/cis-systems/cis-node/internal/corelib/logging"
	"github.com/cis-systems/cis-node/internal/corelib/resilience"
	"github.com/cis-systems/cis-node/internal/corelib/telemetry"
	"github.com/cis-systems/cis-node/internal/identity"
	"github.com/cis-systems/cis-node/internal/memory"
	"github.com/cis-systems/cis-node/internal/p2p/acl"
	"github.com/cis-systems/cis-node/internal/p2p/dht"
	"github.com/cis-systems/cis-node/internal/p2p/discovery"
	"github.com/cis-systems/cis-node/internal/p2p/peermanager"
	"github.com/cis-systems/cis-node/internal/p2p/transport"
	"github.com/cis-systems/cis-node/internal/scheduler"
	schedulercron "github.com/cis-systems/cis-node/internal/scheduler/cron"
	"github.com/cis-systems/cis-node/internal/storage"
)

// defaultEmbeddingDimension is the vector-index width when no
// EmbeddingProvider is registered (a registered provider's own Dimension()
// is used otherwise); without a provider, semantic_search returns an error
// and hybrid_search uses the lexical score only.
const defaultEmbeddingDimension = 384

const nodeVersion = "0.1.0"

func main() {
	cfg := config.Load()
	log := logging.Init("cis-node")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	id, err := identity.LoadOrCreate(filepath.Join(cfg.DataDir(), "identity.json"), hwFingerprint(), cfg.NodeIDOverride())
	if err != nil {
		log.Error("load or create identity failed", "error", err)
		os.Exit(1)
	}

	shutdownTrace := telemetry.InitTracer(ctx, id.NodeID)
	shutdownMeter, err := telemetry.InitMeter(ctx, id.NodeID)
	if err != nil {
		log.Warn("telemetry meter init degraded", "error", err)
	}
	defer func() {
		shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		telemetry.Flush(shutdownCtx, shutdownTrace)
		telemetry.Flush(shutdownCtx, shutdownMeter)
	}()

	dbs, err := storage.Open(cfg.DataDir())
	if err != nil {
		log.Error("open databases failed", "error", err)
		os.Exit(1)
	}
	defer dbs.Close()

	if recovered, err := scheduler.RecoverCrashedRuns(ctx, dbs.Node); err != nil {
		log.Error("crash recovery scan failed", "error", err)
	} else if recovered > 0 {
		log.Warn("recovered crashed dag runs", "count", recovered)
	}

	c := container.New()
	container.Register[identity.Identity](c, container.KeyIdentity, *id)
	container.Register[config.Provider](c, container.KeyConfig, cfg)
	container.Register[*storage.Databases](c, container.KeyStorage, dbs)

	embedder, hasEmbedder := container.Resolve[memory.EmbeddingProvider](c, container.KeyEmbeddingProvider)
	dimension := defaultEmbeddingDimension
	if hasEmbedder {
		dimension = embedder.Dimension()
	} else {
		log.Info("no embedding provider registered, memory store degrades to lexical-only search")
	}
	memStore, err := memory.New(dbs.Memory, memorySecret(id), embedder, dimension)
	if err != nil {
		log.Error("construct memory store failed", "error", err)
		os.Exit(1)
	}
	container.Register[*memory.Store](c, container.KeyMemory, memStore)

	aclList := acl.New()

	pool := agentpool.New(dbs.Node, filepath.Join(cfg.DataDir(), "agents"))
	dispatcher := agentpool.NewDispatcher(pool, skillRegistry())
	container.Register[scheduler.AgentPool](c, container.KeyAgentPool, dispatcher)

	sched := scheduler.New(dbs.Node, dispatcher)
	container.Register[*scheduler.Scheduler](c, container.KeyScheduler, sched)

	cronSched := schedulercron.New(func(ctx context.Context, dagID string, inputs map[string]any) (string, error) {
		return sched.Run(ctx, dagID, inputs, "")
	})
	cronSched.Start()
	defer func() {
		stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = cronSched.Stop(stopCtx)
	}()

	tcfg := transport.Config{ListenAddr: listenAddr(), StaticPriv: id.ExchangePrivate()}
	trans, err := transport.Listen(tcfg)
	if err != nil {
		log.Error("listen for p2p transport failed", "error", err)
		os.Exit(1)
	}
	defer trans.Close()

	pm := peermanager.New(id, aclList, trans, log)
	container.Register[*peermanager.Manager](c, "p2p.peermanager", pm)

	localDHTStore := dht.NewLocalStore(dbs.Node, dht.DefaultRecordTTL)
	self := dht.Contact{ID: dht.NodeID(id.DID), DID: id.DID}
	d := dht.New(self, localDHTStore, pm)
	pm.SetDHT(d)
	container.Register[*dht.DHT](c, "p2p.dht", d)

	mdnsSvc, err := discovery.Advertise(discovery.Announcement{
		NodeID: id.NodeID, DID: id.DID, Version: nodeVersion, Port: listenPort(trans.Addr()),
	}, "")
	if err != nil {
		log.Warn("mdns advertise unavailable, continuing with bootstrap addresses only", "error", err)
	} else {
		defer mdnsSvc.Close()
	}

	go func() {
		if err := pm.Serve(ctx); err != nil {
			log.Error("peer manager accept loop exited", "error", err)
		}
	}()

	go bootstrapFromDiscovery(ctx, pm, log)

	log.Info("cis-node started", "node_id", id.NodeID, "did", id.DID, "listen_addr", tcfg.ListenAddr)
	<-ctx.Done()
	log.Info("shutdown initiated")
}

// listenPort extracts the UDP port the transport is bound to, for
// advertising via mDNS; 0 if the address type is unexpected.
func listenPort(addr net.Addr) int {
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		return udpAddr.Port
	}
	return 0
}

// bootstrapFromDiscovery periodically browses for mDNS-advertised peers and
// connects to any not already known, with backoff on a failed attempt.
func bootstrapFromDiscovery(ctx context.Context, pm *peermanager.Manager, log *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		sightings, err := discovery.Browse(ctx, 2*time.Second)
		if err != nil {
			log.Debug("mdns browse failed", "error", err)
		}
		connected := make(map[string]bool)
		for _, p := range pm.ListConnected() {
			connected[p.PeerID] = true
		}
		for _, sighting := range sightings {
			if connected[sighting.DID] {
				continue
			}
			for _, addr := range sighting.Addresses {
				if _, err := pm.ConnectWithBackoff(ctx, addr, resilience.DefaultRetryPolicy()); err != nil {
					log.Debug("bootstrap connect failed", "address", addr, "error", err)
				}
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// memorySecret derives the memory-store encryption secret from the node's
// signing seed, domain-separated the same way the P2P static keypair is.
func memorySecret(id *identity.Identity) [32]byte {
	return sha256.Sum256(append([]byte("cis-memory-secret-v1"), id.SigningSeed...))
}

// hwFingerprint mixes in a best-effort host identifier as additional
// identity-seed entropy; empty is a valid input to identity.New.
func hwFingerprint() string {
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host
}

func listenAddr() string {
	if v := os.Getenv("CIS_LISTEN_ADDR"); v != "" {
		return v
	}
	return "0.0.0.0:7677"
}

// skillRegistry maps the agent pool's recognized skill_ref values to the
// executables that serve them. The CLI/installation surface that actually
// populates a node's skill catalog is out of scope for this repo; this is
// the wiring point it would extend.
func skillRegistry() map[string]agentpool.SkillConfig {
	return map[string]agentpool.SkillConfig{}
}
