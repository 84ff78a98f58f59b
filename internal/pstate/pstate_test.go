package pstate

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	want := State{CurrentTerm: 3, VotedFor: 2, LeaderID: 2, LastLogIndex: 10, LastLogTerm: 3}
	require.NoError(t, s.SaveState(want))

	got, err := s.LoadState()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadStateMissingFileIsFresh(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	got, err := s.LoadState()
	require.NoError(t, err)
	assert.Equal(t, Fresh(), got)
}

func TestLoadStateMalformedIsFresh(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	require.NoError(t, writeRaw(dir, "not a valid state line"))

	got, err := s.LoadState()
	require.NoError(t, err)
	assert.Equal(t, Fresh(), got)
}

func TestAppendAndLoadKV(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	require.NoError(t, s.AppendKV("a", "1"))
	require.NoError(t, s.AppendKV("b", "2"))
	require.NoError(t, s.AppendKV("malformed-no-equals", ""))

	data, err := s.LoadKV()
	require.NoError(t, err)
	assert.Equal(t, "1", data["a"])
	assert.Equal(t, "2", data["b"])
}

func TestSnapshotKVOverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	require.NoError(t, s.AppendKV("stale", "value"))
	require.NoError(t, s.SnapshotKV(map[string]string{"fresh": "value"}))

	data, err := s.LoadKV()
	require.NoError(t, err)
	_, staleExists := data["stale"]
	assert.False(t, staleExists)
	assert.Equal(t, "value", data["fresh"])
}

func writeRaw(dir, content string) error {
	s := New(dir, nil)
	f, err := os.Create(s.statePath())
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(content + "\n")
	return err
}
