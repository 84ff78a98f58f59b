// Package kvstore implements the replicated key-value map from spec
// §4.7: leader-only writes, forward-to-leader for followers, and
// application of replicated PUT/DELETE/PROPAGATE/LEADER_ELECTED frames
// arriving over the stream fabric.
package kvstore

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mathdee/rale/internal/membership"
	"github.com/mathdee/rale/internal/pstate"
	"github.com/mathdee/rale/internal/raleerr"
	"github.com/mathdee/rale/internal/transport/stream"
)

const (
	maxKeyLen   = 254  // key length < 255
	maxValueLen = 1023 // value length < 1024
)

// RoleInfo is the slice of the consensus engine this package depends on:
// whether this node is leader, who the leader is, and how to persist a
// leader announcement it learns about from a peer frame.
type RoleInfo interface {
	IsLeader() bool
	LeaderID() int64
	SelfID() int64
	Term() int64
	ApplyLeaderFrame(term, leaderID int64) error
}

// Broadcaster is the stream-layer capability kvstore replicates over. It
// is satisfied by *stream.Manager.
type Broadcaster interface {
	Send(peerID int64, f stream.Frame) bool
	Broadcast(f stream.Frame)
}

// Store is the in-memory replicated map plus its persistence and
// replication wiring (spec §4.7). A single mutex guards the map and the
// rale.db append under it, per §5 ("The KV store holds a coarse mutex
// around the in-memory map; rale.db writes occur under that same lock").
type Store struct {
	mu   sync.Mutex
	data map[string]string

	persist    *pstate.Store
	membership *membership.Table
	role       RoleInfo
	stream     Broadcaster
	log        *logrus.Entry
}

// New constructs a Store. Load must be called before first use to
// replay rale.db.
func New(persist *pstate.Store, table *membership.Table, role RoleInfo, bcast Broadcaster, log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{
		data:       make(map[string]string),
		persist:    persist,
		membership: table,
		role:       role,
		stream:     bcast,
		log:        log.WithField("component", "kvstore"),
	}
}

// Load replays rale.db into the in-memory map (spec §4.2/§4.7). A record
// with an empty value is a Delete tombstone and leaves the key absent.
func (s *Store) Load() error {
	data, err := s.persist.LoadKV()
	if err != nil {
		return err
	}
	for k, v := range data {
		if v == "" {
			delete(data, k)
		}
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

func sizeCheck(key, value string) error {
	if len(key) > maxKeyLen {
		return raleerr.ErrOversize
	}
	if len(value) > maxValueLen {
		return raleerr.ErrOversize
	}
	return nil
}

// Put applies spec §4.7's leader-mediated write path: leader applies and
// replicates; a follower forwards to the known leader; with no known
// leader, it fails with NoLeader.
func (s *Store) Put(key, value string) error {
	if err := sizeCheck(key, value); err != nil {
		return err
	}

	if s.role.IsLeader() {
		return s.applyAndReplicate(key, value)
	}

	leaderID := s.role.LeaderID()
	if leaderID < 0 || !s.stream.Send(leaderID, stream.Frame{Kind: stream.KindForwardPut, Key: key, Value: value}) {
		return raleerr.ErrNoLeader
	}
	return nil
}

func (s *Store) applyAndReplicate(key, value string) error {
	s.mu.Lock()
	s.data[key] = value
	err := s.persist.AppendKV(key, value)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.stream.Broadcast(stream.Frame{Kind: stream.KindPut, Key: key, Value: value})
	return nil
}

// Get performs a local, read-local-committed lookup (spec §4.7: "No
// linearizability guarantee across nodes").
func (s *Store) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return "", raleerr.ErrNotFound
	}
	return v, nil
}

// Delete mirrors Put's leader/forward semantics for a tombstone write.
// A deleted key is recorded as an empty value, which Load treats as
// absent, so rale.db replay and in-memory reads agree; the spec does not
// define a distinct tombstone wire value. A key Put with an empty value
// is therefore also absent after replay.
func (s *Store) Delete(key string) error {
	if len(key) > maxKeyLen {
		return raleerr.ErrOversize
	}

	if s.role.IsLeader() {
		return s.applyAndReplicateDelete(key)
	}

	leaderID := s.role.LeaderID()
	if leaderID < 0 || !s.stream.Send(leaderID, stream.Frame{Kind: stream.KindForwardDelete, Key: key}) {
		return raleerr.ErrNoLeader
	}
	return nil
}

func (s *Store) applyAndReplicateDelete(key string) error {
	s.mu.Lock()
	delete(s.data, key)
	err := s.persist.AppendKV(key, "")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.stream.Broadcast(stream.Frame{Kind: stream.KindDelete, Key: key})
	return nil
}

// HandleFrame applies an inbound stream frame per §4.7's peer-frame
// table. It is the single entry point the facade's tick() routes
// KV/membership/LEADER_ELECTED frames through; plain LEADER frames go
// straight to the consensus engine instead.
func (s *Store) HandleFrame(senderPeerID int64, f stream.Frame) {
	switch f.Kind {
	case stream.KindPut:
		s.handlePeerPut(f)
	case stream.KindForwardPut:
		if s.role.IsLeader() {
			if err := sizeCheck(f.Key, f.Value); err == nil {
				s.applyAndReplicate(f.Key, f.Value)
			}
		}
	case stream.KindDelete:
		s.handlePeerDelete(f)
	case stream.KindForwardDelete:
		if s.role.IsLeader() {
			s.applyAndReplicateDelete(f.Key)
		}
	case stream.KindPropagateAdd:
		s.handlePropagateAdd(f)
	case stream.KindPropagateRemove:
		s.handlePropagateRemove(f)
	case stream.KindLeaderElected:
		s.handleLeaderElected(f)
	case stream.KindGet:
		s.handlePeerGet(senderPeerID, f)
	}
}

// handlePeerGet answers a remote GET with a local, read-local-committed
// lookup, replying VALUE or NOT_FOUND to the requesting peer (§4.7's
// read path over the stream fabric, mirroring FORWARD_PUT/FORWARD_DELETE's
// reply-to-sender shape).
func (s *Store) handlePeerGet(senderPeerID int64, f stream.Frame) {
	s.mu.Lock()
	v, ok := s.data[f.Key]
	s.mu.Unlock()

	if !ok {
		s.stream.Send(senderPeerID, stream.Frame{Kind: stream.KindNotFound, Key: f.Key})
		return
	}
	s.stream.Send(senderPeerID, stream.Frame{Kind: stream.KindValue, Key: f.Key, Value: v})
}

// handlePeerPut applies a replicated PUT whether we're leader (apply +
// re-broadcast) or follower (apply only, per §4.7 "do not re-broadcast").
func (s *Store) handlePeerPut(f stream.Frame) {
	if sizeCheck(f.Key, f.Value) != nil {
		return
	}
	if s.role.IsLeader() {
		s.applyAndReplicate(f.Key, f.Value)
		return
	}
	s.mu.Lock()
	s.data[f.Key] = f.Value
	err := s.persist.AppendKV(f.Key, f.Value)
	s.mu.Unlock()
	if err != nil {
		s.log.WithError(err).Error("failed to persist replicated put")
	}
}

func (s *Store) handlePeerDelete(f stream.Frame) {
	if s.role.IsLeader() {
		s.applyAndReplicateDelete(f.Key)
		return
	}
	s.mu.Lock()
	delete(s.data, f.Key)
	err := s.persist.AppendKV(f.Key, "")
	s.mu.Unlock()
	if err != nil {
		s.log.WithError(err).Error("failed to persist replicated delete")
	}
}

// handlePropagateAdd is idempotent (spec §4.7): adding an already-present
// peer id is a no-op rather than an AlreadyExists failure surfaced to the
// caller.
func (s *Store) handlePropagateAdd(f stream.Frame) {
	err := s.membership.AddPeer(membership.Peer{
		ID:            f.AddID,
		Name:          f.AddName,
		IP:            f.AddIP,
		ConsensusPort: uint16(f.AddConsensusPort),
		StorePort:     uint16(f.AddStorePort),
	})
	if err != nil && !errors.Is(err, raleerr.ErrAlreadyExists) {
		s.log.WithError(err).Warn("propagate_add failed")
	}
}

func (s *Store) handlePropagateRemove(f stream.Frame) {
	err := s.membership.RemovePeer(f.RemoveID)
	if err != nil && !errors.Is(err, raleerr.ErrNotFound) {
		s.log.WithError(err).Warn("propagate_remove failed")
	}
}

// handleLeaderElected persists the announced leader and re-broadcasts a
// plain LEADER frame to every live link, per §4.7.
func (s *Store) handleLeaderElected(f stream.Frame) {
	if err := s.role.ApplyLeaderFrame(f.Term, f.LeaderID); err != nil {
		s.log.WithError(err).Error("failed to persist leader_elected")
		return
	}
	s.stream.Broadcast(stream.Frame{Kind: stream.KindLeader, Term: f.Term, LeaderID: f.LeaderID})
}

// AnnounceLeader is called by the facade immediately after this node
// becomes leader (consensus's becomeLeaderLocked side effect): it fans
// out LEADER_ELECTED so every peer persists and re-announces (§4.6,
// §4.7).
func (s *Store) AnnounceLeader(term, leaderID int64) {
	s.stream.Broadcast(stream.Frame{Kind: stream.KindLeaderElected, Term: term, LeaderID: leaderID})
}
