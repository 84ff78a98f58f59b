package stream

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mathdee/rale/internal/membership"
)

// LeaderInfo is the slice of the consensus engine a freshly dialed peer
// needs to learn the current leader without waiting for the next
// LEADER_ELECTED broadcast.
type LeaderInfo interface {
	LeaderID() int64
	Term() int64
}

// Config tunes keep-alive and backoff timing (spec §4.5 / §6).
type Config struct {
	KeepAliveInterval time.Duration // default 5s
	KeepAliveTimeout  time.Duration // default 10s
	BaseRetry         time.Duration // R, default 5s
	ReadTimeout       time.Duration // ≤100ms per §5
}

// DefaultConfig matches the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		KeepAliveInterval: 5 * time.Second,
		KeepAliveTimeout:  10 * time.Second,
		BaseRetry:         5 * time.Second,
		ReadTimeout:       100 * time.Millisecond,
	}
}

// Manager owns the listening socket, every accepted/dialed Session, and
// the inbound mailbox the driver thread drains in Tick (spec §4.5,
// §4.9).
type Manager struct {
	selfID   int64
	cfg      Config
	log      *logrus.Entry
	listener net.Listener

	mu       sync.RWMutex
	sessions map[int64]*Session   // keyed by peer id, HELLO-mapped only
	pending  map[net.Conn]*Session // accepted, pre-HELLO
	dialers  map[int64]*dialer

	inbound chan Inbound
	stop    chan struct{}
	wg      sync.WaitGroup

	membershipTbl *membership.Table
	leaderInfo    LeaderInfo
}

type dialer struct {
	attempts int
	stop     chan struct{}
}

// NewManager creates a Manager for selfID. Listen must be called
// separately to bind the store port.
func NewManager(selfID int64, cfg Config, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		selfID:   selfID,
		cfg:      cfg,
		log:      log.WithField("component", "stream"),
		sessions: make(map[int64]*Session),
		pending:  make(map[net.Conn]*Session),
		dialers:  make(map[int64]*dialer),
		inbound:  make(chan Inbound, 256),
		stop:     make(chan struct{}),
	}
}

// SetSnapshotSource gives the manager the membership table and leader
// info a newly dialed peer is sent right after HELLO (§4.5's handshake,
// §9's "Snapshot (membership)" glossary entry). Must be called before
// the first DialPeer that should carry a snapshot; accepted sessions are
// never sent one.
func (m *Manager) SetSnapshotSource(table *membership.Table, li LeaderInfo) {
	m.mu.Lock()
	m.membershipTbl = table
	m.leaderInfo = li
	m.mu.Unlock()
}

// sendHandshakeBurst follows HELLO with a KEEP_ALIVE, a PROPAGATE_ADD for
// every peer currently in the membership table, and a LEADER frame if a
// leader is already known, so a peer that dials in mid-cluster-life
// learns the existing membership and leader without waiting for the next
// individual AddPeer/LEADER_ELECTED event.
func (m *Manager) sendHandshakeBurst(s *Session) {
	s.Enqueue(Frame{Kind: KindKeepAlive})

	m.mu.RLock()
	table := m.membershipTbl
	li := m.leaderInfo
	m.mu.RUnlock()

	if table != nil {
		for _, p := range table.All() {
			s.Enqueue(NewPropagateAdd(p.ID, p.Name, p.IP, int(p.ConsensusPort), int(p.StorePort)))
		}
	}
	if li != nil {
		if leaderID := li.LeaderID(); leaderID >= 0 {
			s.Enqueue(Frame{Kind: KindLeader, Term: li.Term(), LeaderID: leaderID})
		}
	}
}

// Listen binds the store port and starts the accept loop goroutine
// (spec §6: "binds on the configured store port").
func (m *Manager) Listen(port int) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return err
	}
	m.listener = ln

	m.wg.Add(1)
	go m.acceptLoop()
	return nil
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.stop:
				return
			default:
				m.log.WithError(err).Debug("accept error")
				continue
			}
		}
		m.adopt(conn, -1)
	}
}

// DialPeer starts (or restarts) an outbound connect-with-backoff
// goroutine for a peer, per §4.5's "at most one outbound connection"
// rule and §5's "one background thread per outbound peer session".
func (m *Manager) DialPeer(peerID int64, addr string) {
	m.mu.Lock()
	if _, exists := m.dialers[peerID]; exists {
		m.mu.Unlock()
		return
	}
	d := &dialer{stop: make(chan struct{})}
	m.dialers[peerID] = d
	m.mu.Unlock()

	m.wg.Add(1)
	go m.dialLoop(peerID, addr, d)
}

func (m *Manager) dialLoop(peerID int64, addr string, d *dialer) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case <-d.stop:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			d.attempts++
			backoff := retryInterval(m.cfg.BaseRetry, d.attempts)
			m.log.WithFields(logrus.Fields{"peer": peerID, "attempt": d.attempts, "backoff": backoff}).
				Debug("peer dial failed, backing off")
			select {
			case <-time.After(backoff):
			case <-m.stop:
				return
			case <-d.stop:
				return
			}
			continue
		}

		d.attempts = 0
		s := newSession(conn, peerID, m.log)
		m.mu.Lock()
		m.sessions[peerID] = s
		m.mu.Unlock()

		s.Enqueue(Frame{Kind: KindHello, PeerID: m.selfID})
		m.sendHandshakeBurst(s)
		m.wg.Add(3)
		go func() { defer m.wg.Done(); s.writeLoop() }()
		go func() { defer m.wg.Done(); s.readLoop(m.inbound, m.cfg.ReadTimeout, m.stop) }()
		go func() { defer m.wg.Done(); m.keepAliveLoop(s) }()

		select {
		case <-s.Done():
		case <-m.stop:
			s.Close()
		case <-d.stop:
			s.Close()
		}

		m.mu.Lock()
		delete(m.sessions, peerID)
		m.mu.Unlock()

		select {
		case <-m.stop:
			return
		case <-d.stop:
			return
		default:
		}
	}
}

// keepAliveLoop sends KEEP_ALIVE on the configured interval and closes
// the session once no frame has been received for KeepAliveTimeout
// (spec §4.5). It owns no shared state besides the session's own
// connState, so it never contends with the driver thread.
func (m *Manager) keepAliveLoop(s *Session) {
	ticker := time.NewTicker(m.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			if !s.IsActive(m.cfg.KeepAliveTimeout) {
				s.Close()
				return
			}
			s.Enqueue(Frame{Kind: KindKeepAlive})
		}
	}
}

// retryInterval implements §4.5's backoff: R·2^floor(A/5) capped at 4R.
func retryInterval(base time.Duration, attempts int) time.Duration {
	shift := attempts / 5
	if shift > 2 {
		shift = 2 // 2^2 = 4 already reaches the cap; larger shifts overflow
	}
	mult := int64(1) << uint(shift)
	interval := base * time.Duration(mult)
	cap4R := base * 4
	if interval > cap4R {
		return cap4R
	}
	return interval
}

// adopt takes ownership of a freshly accepted connection: it starts the
// session's read/write loops and, once HELLO arrives, maps the socket to
// a peer id (§4.5: "before HELLO, no peer-id mapping is set").
func (m *Manager) adopt(conn net.Conn, knownPeerID int64) {
	s := newSession(conn, knownPeerID, m.log)

	m.mu.Lock()
	m.pending[conn] = s
	m.mu.Unlock()

	m.wg.Add(3)
	go func() { defer m.wg.Done(); s.writeLoop() }()
	go func() { defer m.wg.Done(); m.keepAliveLoop(s) }()
	go func() {
		defer m.wg.Done()
		m.serveAccepted(s)
	}()
}

// serveAccepted reads frames until HELLO promotes the session from
// pending to sessions, then continues forwarding frames to inbound.
func (m *Manager) serveAccepted(s *Session) {
	local := make(chan Inbound, 64)
	go s.readLoop(local, m.cfg.ReadTimeout, m.stop)

	helloDeadline := time.Now().Add(2 * time.Second)
	promoted := false

	for {
		select {
		case <-m.stop:
			s.Close()
			return
		case in, ok := <-local:
			if !ok {
				m.retire(s)
				return
			}
			if !promoted {
				if in.Frame.Kind != KindHello || time.Now().After(helloDeadline) {
					if time.Now().After(helloDeadline) {
						m.log.Warn("dropping session with no HELLO within 2s")
						s.Close()
						m.retire(s)
						return
					}
					continue
				}
				m.mu.Lock()
				delete(m.pending, s.conn)
				m.sessions[in.PeerID] = s
				m.mu.Unlock()
				promoted = true
			}
			select {
			case m.inbound <- in:
			case <-m.stop:
				return
			}
		case <-time.After(100 * time.Millisecond):
			if !promoted && time.Now().After(helloDeadline) {
				m.log.Warn("dropping session with no HELLO within 2s")
				s.Close()
				m.retire(s)
				return
			}
		}
	}
}

func (m *Manager) retire(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, s.conn)
	for id, sess := range m.sessions {
		if sess == s {
			delete(m.sessions, id)
		}
	}
}

// Inbound exposes the channel the driver thread drains in Tick.
func (m *Manager) Inbound() <-chan Inbound { return m.inbound }

// Send enqueues a frame on the named peer's session if one is live.
// Returns false if no session is mapped for that peer.
func (m *Manager) Send(peerID int64, f Frame) bool {
	m.mu.RLock()
	s, ok := m.sessions[peerID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return s.Enqueue(f)
}

// Broadcast enqueues a frame on every live mapped session (outbound and
// inbound alike, per §4.7: "every live outbound stream and every mapped
// inbound stream").
func (m *Manager) Broadcast(f Frame) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		s.Enqueue(f)
	}
}

// LivePeers returns the ids of peers with a currently mapped session.
func (m *Manager) LivePeers() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int64, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// IsLive reports whether peerID currently has a mapped session.
func (m *Manager) IsLive(peerID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[peerID]
	return ok
}

// StopDialing cancels the outbound dial goroutine for a peer, e.g. after
// remove-node.
func (m *Manager) StopDialing(peerID int64) {
	m.mu.Lock()
	d, ok := m.dialers[peerID]
	if ok {
		delete(m.dialers, peerID)
	}
	m.mu.Unlock()
	if ok {
		close(d.stop)
	}
}

// Close shuts down the listener, every session, and waits up to 5s for
// background goroutines to exit before returning anyway (§5: "driver
// waits up to 5s for subsystems to signal completion").
func (m *Manager) Close() {
	close(m.stop)
	if m.listener != nil {
		m.listener.Close()
	}

	m.mu.Lock()
	for _, s := range m.sessions {
		s.Close()
	}
	for _, s := range m.pending {
		s.Close()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() { m.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		m.log.Warn("stream manager close timed out, forcing return")
	}
}
