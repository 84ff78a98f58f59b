package raleerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsByKind(t *testing.T) {
	err := New(NoLeader, "no known leader right now")
	assert.True(t, errors.Is(err, ErrNoLeader))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(PersistError, "write rale.state", cause)
	require.ErrorIs(t, err, err)
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), "PersistError")
}

func TestIsIgnoresNonMatchingErrorTypes(t *testing.T) {
	err := New(Oversize, "too big")
	assert.False(t, errors.Is(err, errors.New("plain error")))
}
