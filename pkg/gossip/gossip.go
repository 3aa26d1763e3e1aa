// Package gossip implements the UDP health-gossip protocol between cluster
// nodes: periodic broadcast of local state, peer liveness tracking, and a
// local isolation judgement.
package gossip

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wisbric/cerberus/internal/telemetry"
)

// Config holds the gossip service parameters.
type Config struct {
	// BindAddr is the receiver's local UDP address.
	BindAddr string
	// Peers are the addresses broadcast to each interval.
	Peers []string
	// Interval between broadcasts.
	Interval time.Duration
	// PeerTimeout marks a peer unhealthy when no packet arrives within it.
	PeerTimeout time.Duration
	// IsolationThreshold is the unhealthy-peer ratio at which this node
	// judges itself isolated.
	IsolationThreshold float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BindAddr:           "0.0.0.0:9000",
		Interval:           5 * time.Second,
		PeerTimeout:        30 * time.Second,
		IsolationThreshold: 0.5,
	}
}

// Packet is the JSON datagram exchanged between nodes. One packet per
// datagram, no framing, well under 1 KB.
type Packet struct {
	NodeID          string `json:"node_id"`
	CPULoad         int    `json:"cpu_load"`
	UpstreamHealthy bool   `json:"upstream_healthy"`
	ActiveConns     uint32 `json:"active_conns"`
	AmmoFillPct     int    `json:"ammo_fill_pct"`
	ThreatLevel     int    `json:"threat_level"`
	Timestamp       int64  `json:"timestamp"`
	Version         string `json:"version"`
}

// NodeHealth is the tracked state of one peer.
type NodeHealth struct {
	LastPacket Packet    `json:"last_packet"`
	LastSeen   time.Time `json:"last_seen"`
	IsHealthy  bool      `json:"is_healthy"`
}

// Service runs the broadcaster and receiver tasks. The peer map is written
// only by the receiver; queries return copies.
type Service struct {
	cfg    Config
	nodeID string
	logger *slog.Logger

	mu       sync.RWMutex
	peers    map[string]NodeHealth
	isolated atomic.Bool

	// onIsolation, when set, is called from the health sweep on every
	// isolation edge transition.
	onIsolation func(isolated bool)
}

// OnIsolationChange registers an edge-transition callback. Must be called
// before the receiver starts.
func (s *Service) OnIsolationChange(fn func(isolated bool)) {
	s.onIsolation = fn
}

// NewService creates a gossip service for the given node identity.
func NewService(cfg Config, nodeID string, logger *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		nodeID: nodeID,
		logger: logger,
		peers:  make(map[string]NodeHealth),
	}
}

// NodeID returns this node's identity.
func (s *Service) NodeID() string { return s.nodeID }

// IsIsolated reports the local isolation judgement. Eventually consistent;
// other nodes may disagree.
func (s *Service) IsIsolated() bool { return s.isolated.Load() }

// Peers returns a snapshot of all known peer states.
func (s *Service) Peers() map[string]NodeHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]NodeHealth, len(s.peers))
	for k, v := range s.peers {
		out[k] = v
	}
	return out
}

// HealthyPeers returns healthy peers' latest packets, least loaded first.
func (s *Service) HealthyPeers() []Packet {
	s.mu.RLock()
	healthy := make([]Packet, 0, len(s.peers))
	for _, p := range s.peers {
		if p.IsHealthy {
			healthy = append(healthy, p.LastPacket)
		}
	}
	s.mu.RUnlock()

	sort.Slice(healthy, func(i, j int) bool { return healthy[i].CPULoad < healthy[j].CPULoad })
	return healthy
}

// ShedTarget returns the least-loaded healthy peer with headroom (cpu < 80),
// if any.
func (s *Service) ShedTarget() (Packet, bool) {
	for _, p := range s.HealthyPeers() {
		if p.CPULoad < 80 {
			return p, true
		}
	}
	return Packet{}, false
}

// RunBroadcaster sends a fresh packet to every configured peer each
// interval. Datagrams may be lost; send errors are logged and ignored.
func (s *Service) RunBroadcaster(ctx context.Context, state func() Packet) error {
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return err
	}
	defer conn.Close()

	s.logger.Info("gossip broadcaster started",
		"peers", s.cfg.Peers,
		"interval", s.cfg.Interval,
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			packet := state()
			data, err := json.Marshal(packet)
			if err != nil {
				s.logger.Error("failed to encode gossip packet", "error", err)
				continue
			}
			for _, peer := range s.cfg.Peers {
				addr, err := net.ResolveUDPAddr("udp", peer)
				if err != nil {
					s.logger.Warn("bad gossip peer address", "peer", peer, "error", err)
					continue
				}
				if _, err := conn.WriteTo(data, addr); err != nil {
					s.logger.Warn("failed to send gossip", "peer", peer, "error", err)
				}
			}
		case <-ctx.Done():
			s.logger.Info("gossip broadcaster shutting down")
			return nil
		}
	}
}

// RunReceiver listens on the configured address, upserting peer state per
// packet and sweeping peer health once a second.
func (s *Service) RunReceiver(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", s.cfg.BindAddr)
	if err != nil {
		return err
	}

	s.logger.Info("gossip receiver started", "addr", s.cfg.BindAddr)

	// Unblock the read loop on shutdown.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1024)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					s.logger.Warn("gossip receive error", "error", err)
					continue
				}
			}
			s.handlePacket(buf[:n], addr)
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.checkPeerHealth()
		case <-ctx.Done():
			<-done
			s.logger.Info("gossip receiver shutting down")
			return nil
		}
	}
}

// handlePacket parses and upserts one datagram. Parse failures and our own
// packets are dropped.
func (s *Service) handlePacket(data []byte, addr net.Addr) {
	var packet Packet
	if err := json.Unmarshal(data, &packet); err != nil {
		s.logger.Warn("invalid gossip packet", "addr", addr.String(), "error", err)
		return
	}
	if packet.NodeID == s.nodeID {
		return
	}

	s.mu.Lock()
	s.peers[packet.NodeID] = NodeHealth{
		LastPacket: packet,
		LastSeen:   time.Now(),
		IsHealthy:  true,
	}
	s.mu.Unlock()
}

// checkPeerHealth times out silent peers and recomputes the isolation
// judgement, logging only on edge transitions.
func (s *Service) checkPeerHealth() {
	s.mu.Lock()
	total := len(s.peers)
	unhealthy := 0
	for id, health := range s.peers {
		if time.Since(health.LastSeen) > s.cfg.PeerTimeout {
			if health.IsHealthy {
				s.logger.Warn("peer marked unhealthy", "node", id)
			}
			health.IsHealthy = false
			s.peers[id] = health
		}
		if !health.IsHealthy {
			unhealthy++
		}
	}
	s.mu.Unlock()

	telemetry.GossipPeers.WithLabelValues("healthy").Set(float64(total - unhealthy))
	telemetry.GossipPeers.WithLabelValues("unhealthy").Set(float64(unhealthy))

	if total == 0 {
		return
	}

	isolated := float64(unhealthy)/float64(total) >= s.cfg.IsolationThreshold
	if s.isolated.CompareAndSwap(!isolated, isolated) {
		if isolated {
			s.logger.Error("node is isolated from cluster",
				"unhealthy", unhealthy,
				"total", total,
			)
		} else {
			s.logger.Info("node reconnected to cluster")
		}
		if s.onIsolation != nil {
			s.onIsolation(isolated)
		}
	}
}
