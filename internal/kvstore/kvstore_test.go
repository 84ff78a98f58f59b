package kvstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mathdee/rale/internal/membership"
	"github.com/mathdee/rale/internal/pstate"
	"github.com/mathdee/rale/internal/raleerr"
	"github.com/mathdee/rale/internal/transport/stream"
)

type fakeRole struct {
	leader     bool
	leaderID   int64
	self       int64
	term       int64
	appliedTerm, appliedLeader int64
	applyErr   error
}

func (f *fakeRole) IsLeader() bool  { return f.leader }
func (f *fakeRole) LeaderID() int64 { return f.leaderID }
func (f *fakeRole) SelfID() int64   { return f.self }
func (f *fakeRole) Term() int64     { return f.term }
func (f *fakeRole) ApplyLeaderFrame(term, leaderID int64) error {
	f.appliedTerm, f.appliedLeader = term, leaderID
	return f.applyErr
}

type fakeBroadcaster struct {
	sent       []sentFrame
	broadcast  []stream.Frame
	sendResult bool
}

type sentFrame struct {
	peerID int64
	frame  stream.Frame
}

func (f *fakeBroadcaster) Send(peerID int64, fr stream.Frame) bool {
	f.sent = append(f.sent, sentFrame{peerID, fr})
	return f.sendResult
}

func (f *fakeBroadcaster) Broadcast(fr stream.Frame) {
	f.broadcast = append(f.broadcast, fr)
}

func newTestStore(t *testing.T, role *fakeRole, bcast *fakeBroadcaster) *Store {
	t.Helper()
	dir := t.TempDir()
	persist := pstate.New(dir, nil)
	table := membership.New("", nil)
	require.NoError(t, table.Init())
	require.NoError(t, table.SetSelf(role.self))
	s := New(persist, table, role, bcast, nil)
	require.NoError(t, s.Load())
	return s
}

func TestLeaderPutAppliesAndBroadcasts(t *testing.T) {
	role := &fakeRole{leader: true, self: 1, leaderID: 1}
	bcast := &fakeBroadcaster{}
	s := newTestStore(t, role, bcast)

	require.NoError(t, s.Put("a", "1"))
	v, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	require.Len(t, bcast.broadcast, 1)
	assert.Equal(t, stream.KindPut, bcast.broadcast[0].Kind)
}

func TestFollowerPutForwardsToLeader(t *testing.T) {
	role := &fakeRole{leader: false, self: 2, leaderID: 1}
	bcast := &fakeBroadcaster{sendResult: true}
	s := newTestStore(t, role, bcast)

	require.NoError(t, s.Put("a", "1"))
	require.Len(t, bcast.sent, 1)
	assert.Equal(t, int64(1), bcast.sent[0].peerID)
	assert.Equal(t, stream.KindForwardPut, bcast.sent[0].frame.Kind)

	_, err := s.Get("a")
	assert.ErrorIs(t, err, raleerr.ErrNotFound)
}

func TestFollowerPutNoLeaderFails(t *testing.T) {
	role := &fakeRole{leader: false, self: 2, leaderID: -1}
	bcast := &fakeBroadcaster{}
	s := newTestStore(t, role, bcast)

	err := s.Put("a", "1")
	assert.ErrorIs(t, err, raleerr.ErrNoLeader)
}

func TestPutOversizeRejected(t *testing.T) {
	role := &fakeRole{leader: true, self: 1}
	bcast := &fakeBroadcaster{}
	s := newTestStore(t, role, bcast)

	bigKey := make([]byte, 255)
	err := s.Put(string(bigKey), "v")
	assert.ErrorIs(t, err, raleerr.ErrOversize)
}

func TestGetMissingKeyIsNotFound(t *testing.T) {
	role := &fakeRole{leader: true, self: 1}
	s := newTestStore(t, role, &fakeBroadcaster{})
	_, err := s.Get("missing")
	assert.ErrorIs(t, err, raleerr.ErrNotFound)
}

func TestDeleteRemovesKey(t *testing.T) {
	role := &fakeRole{leader: true, self: 1}
	bcast := &fakeBroadcaster{}
	s := newTestStore(t, role, bcast)
	require.NoError(t, s.Put("a", "1"))

	require.NoError(t, s.Delete("a"))
	_, err := s.Get("a")
	assert.ErrorIs(t, err, raleerr.ErrNotFound)
}

func TestHandleFramePeerPutFollowerDoesNotRebroadcast(t *testing.T) {
	role := &fakeRole{leader: false, self: 2, leaderID: 1}
	bcast := &fakeBroadcaster{}
	s := newTestStore(t, role, bcast)

	s.HandleFrame(1, stream.Frame{Kind: stream.KindPut, Key: "a", Value: "1"})

	v, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
	assert.Empty(t, bcast.broadcast)
}

func TestHandleFrameForwardPutOnlyAppliedByLeader(t *testing.T) {
	role := &fakeRole{leader: false, self: 2, leaderID: 1}
	bcast := &fakeBroadcaster{}
	s := newTestStore(t, role, bcast)

	s.HandleFrame(3, stream.Frame{Kind: stream.KindForwardPut, Key: "a", Value: "1"})
	_, err := s.Get("a")
	assert.ErrorIs(t, err, raleerr.ErrNotFound)

	role.leader = true
	s.HandleFrame(3, stream.Frame{Kind: stream.KindForwardPut, Key: "a", Value: "1"})
	v, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestHandleFrameGetRepliesValueToSender(t *testing.T) {
	role := &fakeRole{leader: true, self: 1}
	bcast := &fakeBroadcaster{}
	s := newTestStore(t, role, bcast)
	require.NoError(t, s.Put("a", "1"))

	s.HandleFrame(7, stream.Frame{Kind: stream.KindGet, Key: "a"})

	require.Len(t, bcast.sent, 1)
	assert.Equal(t, int64(7), bcast.sent[0].peerID)
	assert.Equal(t, stream.KindValue, bcast.sent[0].frame.Kind)
	assert.Equal(t, "a", bcast.sent[0].frame.Key)
	assert.Equal(t, "1", bcast.sent[0].frame.Value)
}

func TestHandleFrameGetRepliesNotFoundToSender(t *testing.T) {
	role := &fakeRole{leader: true, self: 1}
	bcast := &fakeBroadcaster{}
	s := newTestStore(t, role, bcast)

	s.HandleFrame(7, stream.Frame{Kind: stream.KindGet, Key: "missing"})

	require.Len(t, bcast.sent, 1)
	assert.Equal(t, int64(7), bcast.sent[0].peerID)
	assert.Equal(t, stream.KindNotFound, bcast.sent[0].frame.Kind)
	assert.Equal(t, "missing", bcast.sent[0].frame.Key)
}

func TestHandleFramePropagateAddIsIdempotent(t *testing.T) {
	role := &fakeRole{leader: true, self: 1}
	s := newTestStore(t, role, &fakeBroadcaster{})

	add := stream.Frame{Kind: stream.KindPropagateAdd, AddID: 2, AddName: "n2", AddIP: "127.0.0.1", AddConsensusPort: 5002, AddStorePort: 6002}
	s.HandleFrame(0, add)
	s.HandleFrame(0, add) // duplicate must not panic or log as a hard failure

	peers := s.membership.All()
	require.Len(t, peers, 1)
	assert.Equal(t, int64(2), peers[0].ID)
}

func TestHandleFramePropagateRemoveUnknownIsIgnored(t *testing.T) {
	role := &fakeRole{leader: true, self: 1}
	s := newTestStore(t, role, &fakeBroadcaster{})
	s.HandleFrame(0, stream.Frame{Kind: stream.KindPropagateRemove, RemoveID: 99})
	assert.Empty(t, s.membership.All())
}

func TestHandleFrameLeaderElectedAppliesAndRebroadcasts(t *testing.T) {
	role := &fakeRole{leader: false, self: 2}
	bcast := &fakeBroadcaster{}
	s := newTestStore(t, role, bcast)

	s.HandleFrame(3, stream.Frame{Kind: stream.KindLeaderElected, Term: 5, LeaderID: 3})

	assert.Equal(t, int64(5), role.appliedTerm)
	assert.Equal(t, int64(3), role.appliedLeader)
	require.Len(t, bcast.broadcast, 1)
	assert.Equal(t, stream.KindLeader, bcast.broadcast[0].Kind)
}

func TestAnnounceLeaderBroadcastsLeaderElected(t *testing.T) {
	role := &fakeRole{leader: true, self: 1}
	bcast := &fakeBroadcaster{}
	s := newTestStore(t, role, bcast)

	s.AnnounceLeader(4, 1)
	require.Len(t, bcast.broadcast, 1)
	assert.Equal(t, stream.KindLeaderElected, bcast.broadcast[0].Kind)
}
