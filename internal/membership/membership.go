// Package membership implements the fixed-capacity peer table (spec
// §4.3): self id, per-peer liveness, and the side file that lets
// membership survive a restart.
package membership

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mathdee/rale/internal/raleerr"
)

// MaxNodes is the table capacity from spec §3 ("capacity = MAX_NODES,
// typ. 10").
const MaxNodes = 10

const (
	MaxNameLen = 254
	MaxIPLen   = 63
)

// RoleHint mirrors the last role a peer was observed to claim.
type RoleHint string

const (
	RoleHintLeader    RoleHint = "Leader"
	RoleHintCandidate RoleHint = "Candidate"
	RoleHintOffline   RoleHint = "Offline"
)

// Liveness is the per-peer health the stream/peer-session layer maintains.
type Liveness string

const (
	LivenessActive   Liveness = "Active"
	LivenessInactive Liveness = "Inactive"
	LivenessFailed   Liveness = "Failed"
)

// Peer is the value-copy-only record described in spec §3. No pointer to
// a live Peer ever escapes the table (§4.3's read accessors return
// copies).
type Peer struct {
	ID            int64
	Name          string
	IP            string
	ConsensusPort uint16
	StorePort     uint16
	Priority      int32
	RoleHint      RoleHint
	Liveness      Liveness
	TermSeen      uint32
	LastIndex     uint64
	LastTerm      uint32
	LastHeartbeat time.Time
	IsVoter       bool
}

// Table is the ordered, capacity-bounded peer set plus self_id (§3/§4.3).
// Every mutating method runs under mu, matching the "exclusive table
// lock" requirement.
type Table struct {
	mu     sync.RWMutex
	peers  []Peer
	selfID int64
	log    *logrus.Entry

	sideFile string // cluster.state path, optional
}

// New builds an empty Table. sideFile may be empty to disable persistence
// of the optional cluster.state file (§6).
func New(sideFile string, log *logrus.Entry) *Table {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Table{
		peers:    make([]Peer, 0, MaxNodes),
		selfID:   -1,
		sideFile: sideFile,
		log:      log.WithField("component", "membership"),
	}
}

// Init zeroes the table, sets self_id to -1, and optionally loads
// cluster.state if a side file path was configured (§4.3).
func (t *Table) Init() error {
	t.mu.Lock()
	t.peers = t.peers[:0]
	t.selfID = -1
	t.mu.Unlock()

	if t.sideFile == "" {
		return nil
	}
	loaded, err := loadSideFile(t.sideFile)
	if err != nil {
		t.log.WithError(err).Warn("failed to load cluster.state, starting empty")
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.selfID = loaded.selfID
	t.peers = loaded.peers
	return nil
}

func validNodeID(id int64) bool { return id >= 1 && id <= 1000 }

// SetSelf records this process's own node id, persisting it to the side
// file if one is configured.
func (t *Table) SetSelf(id int64) error {
	if !validNodeID(id) {
		return raleerr.New(raleerr.InvalidNodeID, fmt.Sprintf("node id %d out of range [1,1000]", id))
	}
	t.mu.Lock()
	t.selfID = id
	t.mu.Unlock()
	return t.persist()
}

func validPort(p uint16) bool { return p >= 1 }

// AddPeer validates and inserts a peer, stamping liveness/heartbeat as
// spec §4.3 requires.
func (t *Table) AddPeer(p Peer) error {
	if !validNodeID(p.ID) {
		return raleerr.New(raleerr.InvalidNodeID, fmt.Sprintf("node id %d out of range [1,1000]", p.ID))
	}
	if len(p.Name) > MaxNameLen {
		return raleerr.New(raleerr.InvalidParam, "peer name exceeds 254 bytes")
	}
	if len(p.IP) > MaxIPLen || net.ParseIP(p.IP) == nil {
		return raleerr.New(raleerr.InvalidParam, "peer ip invalid or exceeds 63 bytes")
	}
	if !validPort(p.ConsensusPort) || !validPort(p.StorePort) {
		return raleerr.New(raleerr.InvalidParam, "peer ports must be in [1,65535]")
	}

	t.mu.Lock()
	for _, existing := range t.peers {
		if existing.ID == p.ID {
			t.mu.Unlock()
			return raleerr.New(raleerr.AlreadyExists, fmt.Sprintf("peer %d already present", p.ID))
		}
	}
	if len(t.peers) >= MaxNodes {
		t.mu.Unlock()
		return raleerr.New(raleerr.CapacityExceeded, "membership table at capacity")
	}

	p.LastHeartbeat = time.Now()
	p.Liveness = LivenessActive
	t.peers = append(t.peers, p)
	t.mu.Unlock()

	return t.persist()
}

// RemovePeer shifts the tail left to close the gap (§4.3).
func (t *Table) RemovePeer(id int64) error {
	t.mu.Lock()
	idx := -1
	for i, p := range t.peers {
		if p.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.mu.Unlock()
		return raleerr.New(raleerr.NotFound, fmt.Sprintf("peer %d not found", id))
	}
	t.peers = append(t.peers[:idx], t.peers[idx+1:]...)
	t.mu.Unlock()

	return t.persist()
}

// GetByID returns a value copy of the peer with the given id.
func (t *Table) GetByID(id int64) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.peers {
		if p.ID == id {
			return p, true
		}
	}
	return Peer{}, false
}

// GetByIndex returns a value copy of the i-th peer in table order.
func (t *Table) GetByIndex(i int) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i < 0 || i >= len(t.peers) {
		return Peer{}, false
	}
	return t.peers[i], true
}

// All returns value copies of every peer, in table order.
func (t *Table) All() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Peer, len(t.peers))
	copy(out, t.peers)
	return out
}

// Count returns the number of peers, NOT including self. Callers wanting
// N (spec's quorum base, "membership count including self") should add 1
// when self has been set.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// ClusterCount returns N, the membership count including self, used for
// quorum arithmetic (spec §4.6).
func (t *Table) ClusterCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := len(t.peers)
	if t.selfID != -1 {
		n++
	}
	return n
}

// SelfID returns the configured self id, or -1 if unset.
func (t *Table) SelfID() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.selfID
}

// MarkLive toggles liveness for a peer and derives role_hint from it,
// used by the peer-session layer on keep-alive timeout/recovery (§4.3).
func (t *Table) MarkLive(id int64, live bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.peers {
		if t.peers[i].ID != id {
			continue
		}
		if live {
			t.peers[i].Liveness = LivenessActive
			t.peers[i].LastHeartbeat = time.Now()
		} else {
			t.peers[i].Liveness = LivenessInactive
			if t.peers[i].RoleHint == RoleHintLeader || t.peers[i].RoleHint == RoleHintCandidate {
				t.peers[i].RoleHint = RoleHintOffline
			}
		}
		return
	}
}

// SetRoleHint records the last role a peer announced, used when applying
// PROPAGATE_ADD / LEADER frames (§4.5, §4.7).
func (t *Table) SetRoleHint(id int64, hint RoleHint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.peers {
		if t.peers[i].ID == id {
			t.peers[i].RoleHint = hint
			return
		}
	}
}

// --- cluster.state side file (§6) ---

type sideFileContents struct {
	selfID int64
	peers  []Peer
}

func (t *Table) persist() error {
	if t.sideFile == "" {
		return nil
	}
	t.mu.RLock()
	selfID := t.selfID
	peers := make([]Peer, len(t.peers))
	copy(peers, t.peers)
	t.mu.RUnlock()

	tmp := t.sideFile + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return raleerr.Wrap(raleerr.PersistError, "create cluster.state.tmp", err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "self_id=%d\n", selfID)
	fmt.Fprintf(w, "node_count=%d\n", len(peers))
	for i, p := range peers {
		fmt.Fprintf(w, "node[%d].id=%d\n", i, p.ID)
		fmt.Fprintf(w, "node[%d].name=%s\n", i, p.Name)
		fmt.Fprintf(w, "node[%d].ip=%s\n", i, p.IP)
		fmt.Fprintf(w, "node[%d].rale_port=%d\n", i, p.ConsensusPort)
		fmt.Fprintf(w, "node[%d].dstore_port=%d\n", i, p.StorePort)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return raleerr.Wrap(raleerr.PersistError, "flush cluster.state.tmp", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return raleerr.Wrap(raleerr.PersistError, "close cluster.state.tmp", err)
	}
	return os.Rename(tmp, t.sideFile)
}

func loadSideFile(path string) (sideFileContents, error) {
	out := sideFileContents{selfID: -1}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return out, err
	}
	defer f.Close()

	kv := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.IndexByte(line, '=')
		if idx <= 0 {
			continue
		}
		kv[line[:idx]] = line[idx+1:]
	}

	if v, ok := kv["self_id"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			out.selfID = n
		}
	}
	count := 0
	if v, ok := kv["node_count"]; ok {
		count, _ = strconv.Atoi(v)
	}
	for i := 0; i < count; i++ {
		p := Peer{Liveness: LivenessActive, LastHeartbeat: time.Now()}
		if v, ok := kv[fmt.Sprintf("node[%d].id", i)]; ok {
			id, _ := strconv.ParseInt(v, 10, 64)
			p.ID = id
		}
		p.Name = kv[fmt.Sprintf("node[%d].name", i)]
		p.IP = kv[fmt.Sprintf("node[%d].ip", i)]
		if v, ok := kv[fmt.Sprintf("node[%d].rale_port", i)]; ok {
			port, _ := strconv.Atoi(v)
			p.ConsensusPort = uint16(port)
		}
		if v, ok := kv[fmt.Sprintf("node[%d].dstore_port", i)]; ok {
			port, _ := strconv.Atoi(v)
			p.StorePort = uint16(port)
		}
		out.peers = append(out.peers, p)
	}
	return out, nil
}
