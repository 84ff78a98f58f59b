// Package rale is the engine facade described in spec §4.9: the single
// surface an embedder links against. It owns one value per subsystem
// (clock, persistent state, membership, the two transports, consensus,
// the KV store, and the shutdown coordinator) and drives them all from
// one non-blocking Tick call.
package rale

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mathdee/rale/internal/clock"
	"github.com/mathdee/rale/internal/consensus"
	"github.com/mathdee/rale/internal/kvstore"
	"github.com/mathdee/rale/internal/membership"
	"github.com/mathdee/rale/internal/pstate"
	"github.com/mathdee/rale/internal/raleerr"
	"github.com/mathdee/rale/internal/shutdown"
	"github.com/mathdee/rale/internal/transport/datagram"
	"github.com/mathdee/rale/internal/transport/stream"
)

// PeerConfig describes one other cluster member known at startup. Peers
// discovered later arrive over the wire as PROPAGATE_ADD frames instead.
type PeerConfig struct {
	ID            int64
	Name          string
	IP            string
	ConsensusPort int
	StorePort     int
}

// Config is the facade's configuration record (spec §6's "Configuration
// record" table).
type Config struct {
	NodeID        int64
	NodeName      string
	NodeIP        string
	ConsensusPort int
	StorePort     int

	DBPath    string // db.path: existing directory
	StateDir  string // optional cluster.state directory; empty disables it
	LogDirectory string

	KeepAliveIntervalS int // default 5
	KeepAliveTimeoutS  int // default 10, must be > KeepAliveIntervalS

	ElectionTimeoutS   float64 // default 5
	HeartbeatIntervalS float64 // default 1, must be < ElectionTimeoutS/2

	Peers []PeerConfig
}

func (c Config) withDefaults() Config {
	if c.KeepAliveIntervalS == 0 {
		c.KeepAliveIntervalS = 5
	}
	if c.KeepAliveTimeoutS == 0 {
		c.KeepAliveTimeoutS = 10
	}
	if c.ElectionTimeoutS == 0 {
		c.ElectionTimeoutS = 5
	}
	if c.HeartbeatIntervalS == 0 {
		c.HeartbeatIntervalS = 1
	}
	return c
}

// validate checks every bound spec §6 documents for the configuration
// record, returning a ConfigInvalid error naming the first violation.
func (c Config) validate() error {
	if c.NodeID < 1 || c.NodeID > 1000 {
		return raleerr.New(raleerr.ConfigInvalid, "node.id must be in 1..=1000")
	}
	if len(c.NodeName) > membership.MaxNameLen {
		return raleerr.New(raleerr.ConfigInvalid, "node.name exceeds 254 bytes")
	}
	if c.NodeIP != "" && len(c.NodeIP) > membership.MaxIPLen {
		return raleerr.New(raleerr.ConfigInvalid, "node.ip exceeds 63 bytes")
	}
	if c.ConsensusPort < 1 || c.ConsensusPort > 65535 || c.StorePort < 1 || c.StorePort > 65535 {
		return raleerr.New(raleerr.ConfigInvalid, "node.consensus_port/node.store_port must be in 1..=65535")
	}
	if c.DBPath == "" {
		return raleerr.New(raleerr.ConfigInvalid, "db.path is required")
	}
	if info, err := os.Stat(c.DBPath); err != nil || !info.IsDir() {
		return raleerr.New(raleerr.ConfigInvalid, "db.path must be an existing directory")
	}
	if c.KeepAliveIntervalS < 1 || c.KeepAliveIntervalS > 3600 {
		return raleerr.New(raleerr.ConfigInvalid, "dstore.keep_alive_interval_s must be in 1..=3600")
	}
	if c.KeepAliveTimeoutS <= c.KeepAliveIntervalS || c.KeepAliveTimeoutS > 3600 {
		return raleerr.New(raleerr.ConfigInvalid, "dstore.keep_alive_timeout_s must be > keep_alive_interval and <= 3600")
	}
	return clock.ValidateTimings(
		time.Duration(c.ElectionTimeoutS*float64(time.Second)),
		time.Duration(c.HeartbeatIntervalS*float64(time.Second)),
	)
}

// Engine is the facade value an embedder owns: one per process. All of
// its exported methods are safe to call from the driver thread that owns
// Tick; Put/Get/Delete/Role/Leader/ClusterCount may also be called from
// other goroutines since each subsystem guards its own state.
type Engine struct {
	cfg Config
	log *logrus.Entry

	clk        clock.Clock
	persist    *pstate.Store
	table      *membership.Table
	dgram      datagram.Transport
	streamMgr  *stream.Manager
	consensus  *consensus.Engine
	kv         *kvstore.Store
	shutdownCo *shutdown.Coordinator

	initialized bool
}

// New allocates an uninitialized Engine. Call Init before Tick/Put/etc.
func New() *Engine {
	return &Engine{}
}

func buildLogger(cfg Config) *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.LogDirectory != "" {
		if err := os.MkdirAll(cfg.LogDirectory, 0o755); err == nil {
			if f, err := os.OpenFile(filepath.Join(cfg.LogDirectory, "rale.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
				logger.SetOutput(f)
			}
		}
	}
	return logger.WithField("node_id", cfg.NodeID)
}

// Init wires every subsystem together per the configuration record
// (spec §4.9/§6). It is the only place construction order matters:
// persistence and membership must exist before consensus; consensus must
// exist before the KV store (which depends on RoleInfo); the stream
// manager must be listening before peers are dialed.
func (e *Engine) Init(cfg Config) error {
	if e.initialized {
		return raleerr.ErrAlreadyInitialized
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}
	e.cfg = cfg
	e.log = buildLogger(cfg)

	e.clk = clock.NewSystem(time.Now().UnixNano())
	e.persist = pstate.New(cfg.DBPath, e.log)

	sideFile := ""
	if cfg.StateDir != "" {
		sideFile = filepath.Join(cfg.StateDir, "cluster.state")
	}
	e.table = membership.New(sideFile, e.log)
	if err := e.table.Init(); err != nil {
		return raleerr.Wrap(raleerr.NetworkInit, "membership init", err)
	}
	if err := e.table.SetSelf(cfg.NodeID); err != nil {
		return err
	}
	for _, p := range cfg.Peers {
		peer := membership.Peer{
			ID:            p.ID,
			Name:          p.Name,
			IP:            p.IP,
			ConsensusPort: uint16(p.ConsensusPort),
			StorePort:     uint16(p.StorePort),
			IsVoter:       true,
		}
		if err := e.table.AddPeer(peer); err != nil {
			return err
		}
	}

	dgram, err := datagram.Bind(cfg.ConsensusPort, e.log)
	if err != nil {
		return raleerr.Wrap(raleerr.NetworkInit, "bind consensus port", err)
	}
	e.dgram = dgram

	e.consensus = consensus.New(cfg.NodeID, consensus.Config{
		ElectionTimeout:   time.Duration(cfg.ElectionTimeoutS * float64(time.Second)),
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalS * float64(time.Second)),
	}, e.clk, e.persist, e.table, e.dgram, e.log)
	if err := e.consensus.Init(); err != nil {
		return err
	}

	streamCfg := stream.DefaultConfig()
	streamCfg.KeepAliveInterval = time.Duration(cfg.KeepAliveIntervalS) * time.Second
	streamCfg.KeepAliveTimeout = time.Duration(cfg.KeepAliveTimeoutS) * time.Second
	e.streamMgr = stream.NewManager(cfg.NodeID, streamCfg, e.log)
	e.streamMgr.SetSnapshotSource(e.table, e.consensus)
	if err := e.streamMgr.Listen(cfg.StorePort); err != nil {
		return raleerr.Wrap(raleerr.NetworkInit, "bind store port", err)
	}
	for _, p := range cfg.Peers {
		addr := net.JoinHostPort(p.IP, fmt.Sprintf("%d", p.StorePort))
		e.streamMgr.DialPeer(p.ID, addr)
	}

	e.kv = kvstore.New(e.persist, e.table, e.consensus, e.streamMgr, e.log)
	if err := e.kv.Load(); err != nil {
		return err
	}
	e.consensus.OnBecomeLeader(e.kv.AnnounceLeader)

	e.shutdownCo = shutdown.New()
	e.initialized = true
	return nil
}

// Finit requests shutdown across all three tokens, tears down the
// transports, and signals each token complete as its own teardown
// finishes, then waits up to 5s (§5) for the rest to catch up.
func (e *Engine) Finit() error {
	if !e.initialized {
		return nil
	}
	e.shutdownCo.Request()

	e.streamMgr.Close()
	e.dgram.Close()
	e.shutdownCo.SignalComplete(shutdown.TokenComm)

	// Consensus and KV persistence do all of their work synchronously
	// inside Tick()/Put()/Delete(), under their own locks, so once
	// Request() is observed neither has outstanding background work left
	// to finish.
	e.shutdownCo.SignalComplete(shutdown.TokenRale)
	e.shutdownCo.SignalComplete(shutdown.TokenDStore)

	e.shutdownCo.Wait(5 * time.Second)
	e.initialized = false
	return nil
}

// Tick performs one non-blocking pass: drain the stream transport,
// dispatch frames, run the consensus state machine (spec §4.9).
func (e *Engine) Tick() error {
	if !e.initialized {
		return raleerr.ErrNotInitialized
	}
	if e.shutdownCo.IsRequested(shutdown.TokenRale) {
		return raleerr.ErrShuttingDown
	}

	e.drainStream()
	e.consensus.Tick()
	return nil
}

func (e *Engine) drainStream() {
	for {
		select {
		case in := <-e.streamMgr.Inbound():
			e.dispatchStreamFrame(in)
		default:
			return
		}
	}
}

func (e *Engine) dispatchStreamFrame(in stream.Inbound) {
	switch in.Frame.Kind {
	case stream.KindHello, stream.KindKeepAlive:
		// handshake/liveness only; already applied by the session layer.
	case stream.KindLeader:
		if err := e.consensus.ApplyLeaderFrame(in.Frame.Term, in.Frame.LeaderID); err != nil {
			e.log.WithError(err).Error("failed to apply leader frame")
		}
	default:
		e.kv.HandleFrame(in.PeerID, in.Frame)
	}
}

// Put applies spec §4.7's leader-mediated write.
func (e *Engine) Put(key, value string) error {
	if !e.initialized {
		return raleerr.ErrNotInitialized
	}
	return e.kv.Put(key, value)
}

// Get performs a local, read-local-committed lookup.
func (e *Engine) Get(key string) (string, error) {
	if !e.initialized {
		return "", raleerr.ErrNotInitialized
	}
	return e.kv.Get(key)
}

// Delete mirrors Put's leader/forward semantics for removal.
func (e *Engine) Delete(key string) error {
	if !e.initialized {
		return raleerr.ErrNotInitialized
	}
	return e.kv.Delete(key)
}

// Role returns the current consensus role as a string
// (Follower/Candidate/Leader/Transitioning).
func (e *Engine) Role() string {
	if !e.initialized {
		return string(consensus.Follower)
	}
	return string(e.consensus.Role())
}

// Leader returns the last known leader id and whether one is known.
func (e *Engine) Leader() (int64, bool) {
	if !e.initialized {
		return 0, false
	}
	id := e.consensus.LeaderID()
	if id < 0 {
		return 0, false
	}
	return id, true
}

// ClusterCount returns N, the membership count including self.
func (e *Engine) ClusterCount() int {
	if !e.initialized {
		return 0
	}
	return e.consensus.ClusterCount()
}

// AddPeer admits a new cluster member at runtime and fans out
// PROPAGATE_ADD so every other live peer applies it too (spec §4.3/§4.7).
func (e *Engine) AddPeer(p PeerConfig) error {
	if !e.initialized {
		return raleerr.ErrNotInitialized
	}
	peer := membership.Peer{
		ID:            p.ID,
		Name:          p.Name,
		IP:            p.IP,
		ConsensusPort: uint16(p.ConsensusPort),
		StorePort:     uint16(p.StorePort),
		IsVoter:       true,
	}
	if err := e.table.AddPeer(peer); err != nil {
		return err
	}
	addr := net.JoinHostPort(p.IP, fmt.Sprintf("%d", p.StorePort))
	e.streamMgr.DialPeer(p.ID, addr)
	e.streamMgr.Broadcast(stream.NewPropagateAdd(p.ID, p.Name, p.IP, p.ConsensusPort, p.StorePort))
	return nil
}

// RemovePeer evicts a cluster member and fans out PROPAGATE_REMOVE.
func (e *Engine) RemovePeer(id int64) error {
	if !e.initialized {
		return raleerr.ErrNotInitialized
	}
	if err := e.table.RemovePeer(id); err != nil {
		return err
	}
	e.streamMgr.StopDialing(id)
	e.streamMgr.Broadcast(stream.Frame{Kind: stream.KindPropagateRemove, RemoveID: id})
	return nil
}
