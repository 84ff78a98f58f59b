package consensus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mathdee/rale/internal/clock"
	"github.com/mathdee/rale/internal/membership"
	"github.com/mathdee/rale/internal/pstate"
	"github.com/mathdee/rale/internal/raleerr"
	"github.com/mathdee/rale/internal/transport/datagram"
)

// Config carries the tunables Engine needs from the validated
// configuration record (spec §6).
type Config struct {
	ElectionTimeout   time.Duration
	HeartbeatInterval time.Duration
}

// Engine is the consensus state machine. Every mutation to RoleState
// happens on whichever goroutine calls Tick (which dispatches inbound
// datagrams) or ApplyLeaderFrame — the facade is responsible for making that the
// single driver thread (spec §5).
type Engine struct {
	mu sync.Mutex

	selfID     int64
	cfg        Config
	clock      clock.Clock
	store      *pstate.Store
	membership *membership.Table
	transport  datagram.Transport
	log        *logrus.Entry

	rs *RoleState

	lastCandidateBroadcast time.Time
	lastHeartbeatSent      time.Time

	// onBecomeLeader is invoked (outside e.mu) the moment this node wins
	// an election, so the KV store can fan out LEADER_ELECTED over the
	// stream fabric (spec §4.6/§4.7). The facade wires this to
	// kvstore.Store.AnnounceLeader.
	onBecomeLeader func(term, leaderID int64)
}

// OnBecomeLeader registers the callback fired after this node transitions
// to Leader. Must be called before Tick starts driving the engine.
func (e *Engine) OnBecomeLeader(fn func(term, leaderID int64)) {
	e.onBecomeLeader = fn
}

// New constructs an Engine. Call Init before Tick.
func New(selfID int64, cfg Config, clk clock.Clock, store *pstate.Store, table *membership.Table, transport datagram.Transport, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		selfID:     selfID,
		cfg:        cfg,
		clock:      clk,
		store:      store,
		membership: table,
		transport:  transport,
		log:        log.WithField("component", "consensus"),
	}
}

// Init loads persisted state and seeds RoleState as Follower with a
// fresh election deadline (spec §4.6: "Initial role after first start is
// Follower with current_term = 0, voted_for = -1, leader_id = -1").
func (e *Engine) Init() error {
	if err := clock.ValidateTimings(e.cfg.ElectionTimeout, e.cfg.HeartbeatInterval); err != nil {
		return err
	}

	persisted, err := e.store.LoadState()
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rs = newRoleState()
	e.rs.CurrentTerm = persisted.CurrentTerm
	e.rs.VotedFor = persisted.VotedFor
	e.rs.LeaderID = persisted.LeaderID
	e.rs.LastLogIndex = persisted.LastLogIndex
	e.rs.LastLogTerm = persisted.LastLogTerm
	e.rs.LastHeartbeat = e.clock.Now()
	e.rs.ElectionDeadline = e.clock.ElectionDeadline(e.cfg.ElectionTimeout)
	return nil
}

// Role returns the current role.
func (e *Engine) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rs.Role
}

// Term returns the current term.
func (e *Engine) Term() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rs.CurrentTerm
}

// LeaderID returns the last known leader id, or -1.
func (e *Engine) LeaderID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rs.LeaderID
}

// IsLeader reports whether this node currently believes itself leader.
func (e *Engine) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rs.Role == Leader
}

// SelfID returns this node's own id.
func (e *Engine) SelfID() int64 { return e.selfID }

func (e *Engine) saveLocked() error {
	return e.store.SaveState(pstate.State{
		CurrentTerm:  e.rs.CurrentTerm,
		VotedFor:     e.rs.VotedFor,
		LeaderID:     e.rs.LeaderID,
		LastLogIndex: e.rs.LastLogIndex,
		LastLogTerm:  e.rs.LastLogTerm,
	})
}

// demoteLocked applies term discipline: any message bearing a strictly
// higher term forces current_term update, clears voted_for, and demotes
// to Follower (spec §4.6).
func (e *Engine) demoteLocked(newTerm int64) {
	e.rs.CurrentTerm = newTerm
	e.rs.VotedFor = -1
	if e.rs.Role != Follower {
		e.rs.Role = Follower
	}
	e.rs.ElectionDeadline = e.clock.ElectionDeadline(e.cfg.ElectionTimeout)
}

// Tick runs one non-blocking pass: drain the datagram transport and
// advance election/heartbeat timers (spec §4.9's tick() contract, scoped
// to this component).
func (e *Engine) Tick() {
	for _, in := range e.transport.Poll() {
		e.handleDatagram(in.Msg, in.IP, in.Port)
	}
	e.runTimers()
}

func (e *Engine) runTimers() {
	e.mu.Lock()
	role := e.rs.Role
	now := e.clock.Now()
	deadlineHit := now.After(e.rs.ElectionDeadline)
	e.mu.Unlock()

	switch role {
	case Follower:
		if deadlineHit {
			e.startElection()
		}
	case Candidate:
		if deadlineHit {
			e.startElection()
			return
		}
		e.mu.Lock()
		shouldRebroadcast := now.Sub(e.lastCandidateBroadcast) >= time.Second
		e.mu.Unlock()
		if shouldRebroadcast {
			e.broadcastVoteRequests()
		}
	case Leader:
		e.mu.Lock()
		due := now.Sub(e.lastHeartbeatSent) >= e.cfg.HeartbeatInterval
		e.mu.Unlock()
		if due {
			e.broadcastHeartbeats()
		}
	}
}

// startElection transitions Follower/Candidate -> Candidate for a new
// term and kicks off vote solicitation (spec §4.6 "Election").
func (e *Engine) startElection() {
	e.mu.Lock()
	e.rs.CurrentTerm++
	e.rs.VotedFor = e.selfID
	e.rs.Role = Candidate
	e.rs.VotesReceived = 1
	e.rs.ElectionActive = true
	e.rs.ElectionDeadline = e.clock.ElectionDeadline(e.cfg.ElectionTimeout)
	e.rs.recordGranter(e.rs.CurrentTerm, e.selfID)
	term := e.rs.CurrentTerm
	err := e.saveLocked()

	// A lone node (N=1) reaches quorum on its own vote with no peer to
	// grant one back, so the self-vote has to be checked here too, not
	// only inside handleVoteGranted.
	quorum := e.membership.ClusterCount()/2 + 1
	wonAlready := e.rs.VotesReceived >= quorum
	if wonAlready {
		e.becomeLeaderLocked()
	}
	e.mu.Unlock()

	if err != nil {
		e.log.WithError(err).Error("failed to persist state entering candidate")
	}
	e.log.WithFields(logrus.Fields{"term": term, "election_id": uuid.NewString()}).Info("starting election")

	if !wonAlready {
		e.broadcastVoteRequests()
	}
}

func (e *Engine) broadcastVoteRequests() {
	e.mu.Lock()
	term := e.rs.CurrentTerm
	e.lastCandidateBroadcast = e.clock.Now()
	e.mu.Unlock()

	msg := datagram.Message{Kind: datagram.KindVoteRequest, CandidateID: e.selfID, Term: term}
	for _, p := range e.membership.All() {
		e.transport.Send(p.IP, int(p.ConsensusPort), msg)
	}
}

func (e *Engine) broadcastHeartbeats() {
	e.mu.Lock()
	term := e.rs.CurrentTerm
	e.lastHeartbeatSent = e.clock.Now()
	e.mu.Unlock()

	msg := datagram.Message{Kind: datagram.KindHeartbeat, LeaderID: e.selfID, Term: term}
	for _, p := range e.membership.All() {
		e.transport.Send(p.IP, int(p.ConsensusPort), msg)
	}
}

// becomeLeaderLocked transitions Candidate -> Leader and performs the
// leader-announcement side effects of spec §4.6. Caller must hold e.mu
// and continues to hold it on return.
func (e *Engine) becomeLeaderLocked() {
	e.rs.Role = Leader
	e.rs.LeaderID = e.selfID
	e.rs.ElectionActive = false
	err := e.saveLocked()
	term := e.rs.CurrentTerm

	if err != nil {
		e.log.WithError(err).Error("failed to persist state entering leader")
	}
	e.log.WithField("term", term).Info("became leader")

	e.mu.Unlock()
	e.broadcastHeartbeats()
	if e.onBecomeLeader != nil {
		e.onBecomeLeader(term, e.selfID)
	}
	e.mu.Lock()
}

// handleDatagram applies §4.6's full message-handling rules: term
// discipline first, then per-kind logic.
func (e *Engine) handleDatagram(msg datagram.Message, senderIP string, senderPort int) {
	switch msg.Kind {
	case datagram.KindVoteRequest:
		e.handleVoteRequest(msg, senderIP, senderPort)
	case datagram.KindVoteGranted:
		e.handleVoteGranted(msg)
	case datagram.KindVoteDenied:
		e.handleVoteDenied(msg)
	case datagram.KindHeartbeat:
		e.handleHeartbeat(msg, senderIP, senderPort)
	case datagram.KindHeartbeatAck:
		// no state change; presence alone is enough liveness signal at
		// the datagram layer, liveness proper is tracked by peer
		// sessions over the stream transport (spec §4.3/§4.5).
	}
}

func (e *Engine) handleVoteRequest(msg datagram.Message, senderIP string, senderPort int) {
	e.mu.Lock()

	if msg.Term > e.rs.CurrentTerm {
		e.demoteLocked(msg.Term)
	}

	grant := false
	if msg.Term >= e.rs.CurrentTerm && e.rs.Role != Leader &&
		(e.rs.VotedFor == -1 || e.rs.VotedFor == msg.CandidateID) {
		e.rs.VotedFor = msg.CandidateID
		e.rs.ElectionDeadline = e.clock.ElectionDeadline(e.cfg.ElectionTimeout)
		grant = true
	}
	term := e.rs.CurrentTerm
	err := e.saveLocked()
	e.mu.Unlock()

	if err != nil {
		e.log.WithError(err).Error("failed to persist state handling vote request")
	}

	kind := datagram.KindVoteDenied
	if grant {
		kind = datagram.KindVoteGranted
	}
	e.transport.Send(senderIP, senderPort, datagram.Message{Kind: kind, VoterID: e.selfID, Term: term})
}

func (e *Engine) handleVoteGranted(msg datagram.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.Term > e.rs.CurrentTerm {
		e.demoteLocked(msg.Term)
		return
	}
	if msg.Term != e.rs.CurrentTerm || e.rs.Role != Candidate {
		return
	}
	if !e.rs.recordGranter(msg.Term, msg.VoterID) {
		return // duplicate grant from the same voter this term
	}

	e.rs.VotesReceived++
	quorum := e.membership.ClusterCount()/2 + 1
	if e.rs.VotesReceived >= quorum {
		e.becomeLeaderLocked()
	}
}

func (e *Engine) handleVoteDenied(msg datagram.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if msg.Term > e.rs.CurrentTerm {
		e.demoteLocked(msg.Term)
	}
	// denied votes never decrement counters (spec §4.6)
}

func (e *Engine) handleHeartbeat(msg datagram.Message, senderIP string, senderPort int) {
	e.mu.Lock()

	if msg.Term > e.rs.CurrentTerm {
		e.demoteLocked(msg.Term)
	}

	if msg.Term < e.rs.CurrentTerm {
		e.mu.Unlock()
		return
	}

	// Equal-term leader conflict: two nodes both believe themselves
	// Leader in the same term. The weaker policy from §4.6 applies —
	// demote and adopt the sender's leader_id rather than trying to
	// adjudicate who is "right".
	if e.rs.Role == Leader && msg.Term == e.rs.CurrentTerm && msg.LeaderID != e.selfID {
		e.rs.Role = Follower
	}
	// Candidate -> Follower on any HEARTBEAT with term >= current_term.
	if e.rs.Role == Candidate {
		e.rs.Role = Follower
	}
	if e.rs.Role != Leader {
		e.rs.LastHeartbeat = e.clock.Now()
		e.rs.LeaderID = msg.LeaderID
		e.rs.ElectionDeadline = e.clock.ElectionDeadline(e.cfg.ElectionTimeout)
	}
	err := e.saveLocked()
	e.mu.Unlock()

	if err != nil {
		e.log.WithError(err).Error("failed to persist state handling heartbeat")
	}
	e.transport.Send(senderIP, senderPort, datagram.Message{Kind: datagram.KindHeartbeatAck})
}

// ApplyLeaderFrame handles a LEADER/LEADER_ELECTED frame arriving over
// the stream transport (spec §4.6: "Followers receiving LEADER <term>
// <id> update rale.state preserving other fields"; §4.7's LEADER_ELECTED
// receipt rule persists through the same path).
func (e *Engine) ApplyLeaderFrame(term, leaderID int64) error {
	e.mu.Lock()
	if term > e.rs.CurrentTerm {
		e.demoteLocked(term)
	}
	if term >= e.rs.CurrentTerm {
		e.rs.LeaderID = leaderID
	}
	err := e.saveLocked()
	e.mu.Unlock()
	return err
}

// ClusterCount exposes N (membership including self) for callers outside
// this package that need quorum arithmetic, e.g. tests.
func (e *Engine) ClusterCount() int { return e.membership.ClusterCount() }

// NotReadyErr is returned by accessors called before Init.
var NotReadyErr = raleerr.ErrNotInitialized
