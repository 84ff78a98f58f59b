package rale

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mathdee/rale/internal/raleerr"
)

func baseConfig(t *testing.T, nodeID int64, consensusPort, storePort int) Config {
	t.Helper()
	return Config{
		NodeID:        nodeID,
		NodeName:      "node",
		NodeIP:        "127.0.0.1",
		ConsensusPort: consensusPort,
		StorePort:     storePort,
		DBPath:        t.TempDir(),
	}
}

func TestInitSingleNodeBecomesLeader(t *testing.T) {
	e := New()
	cfg := baseConfig(t, 1, 15301, 15401)
	cfg.ElectionTimeoutS = 0.05
	cfg.HeartbeatIntervalS = 0.01
	require.NoError(t, e.Init(cfg))
	defer e.Finit()

	deadline := time.Now().Add(2 * time.Second)
	for e.Role() != "Leader" && time.Now().Before(deadline) {
		require.NoError(t, e.Tick())
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, "Leader", e.Role())
}

func TestPutGetDeleteAsSoleLeader(t *testing.T) {
	e := New()
	cfg := baseConfig(t, 1, 15302, 15402)
	cfg.ElectionTimeoutS = 0.05
	cfg.HeartbeatIntervalS = 0.01
	require.NoError(t, e.Init(cfg))
	defer e.Finit()

	deadline := time.Now().Add(2 * time.Second)
	for e.Role() != "Leader" && time.Now().Before(deadline) {
		require.NoError(t, e.Tick())
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, "Leader", e.Role())

	require.NoError(t, e.Put("a", "1"))
	v, err := e.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	require.NoError(t, e.Delete("a"))
	_, err = e.Get("a")
	assert.ErrorIs(t, err, raleerr.ErrNotFound)
}

func TestOperationsBeforeInitFail(t *testing.T) {
	e := New()
	assert.ErrorIs(t, e.Tick(), raleerr.ErrNotInitialized)
	assert.ErrorIs(t, e.Put("a", "1"), raleerr.ErrNotInitialized)
	_, err := e.Get("a")
	assert.ErrorIs(t, err, raleerr.ErrNotInitialized)
	assert.Equal(t, 0, e.ClusterCount())
	_, ok := e.Leader()
	assert.False(t, ok)
}

func TestInitRejectsInvalidConfig(t *testing.T) {
	e := New()
	cfg := baseConfig(t, 0, 15303, 15403) // node id out of range
	err := e.Init(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, raleerr.New(raleerr.ConfigInvalid, ""))
}

func TestInitTwiceFails(t *testing.T) {
	e := New()
	cfg := baseConfig(t, 1, 15304, 15404)
	require.NoError(t, e.Init(cfg))
	defer e.Finit()

	err := e.Init(cfg)
	assert.ErrorIs(t, err, raleerr.ErrAlreadyInitialized)
}

func TestFinitOnUninitializedEngineIsNoop(t *testing.T) {
	e := New()
	assert.NoError(t, e.Finit())
}

func TestFinitReturnsPromptlyOnceSubsystemsSignalComplete(t *testing.T) {
	e := New()
	cfg := baseConfig(t, 1, 15305, 15405)
	require.NoError(t, e.Init(cfg))

	start := time.Now()
	require.NoError(t, e.Finit())
	assert.Less(t, time.Since(start), 2*time.Second, "Finit should not pay the full shutdown-wait timeout once every token signals complete")
}
