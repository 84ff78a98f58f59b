package shutdown

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsRequestedFalseBeforeRequest(t *testing.T) {
	c := New()
	assert.False(t, c.IsRequested(TokenRale))
	assert.False(t, c.IsRequested(TokenDStore))
	assert.False(t, c.IsRequested(TokenComm))
}

func TestRequestSetsAllThreeTokens(t *testing.T) {
	c := New()
	c.Request()
	assert.True(t, c.IsRequested(TokenRale))
	assert.True(t, c.IsRequested(TokenDStore))
	assert.True(t, c.IsRequested(TokenComm))
}

func TestUnknownTokenMapsToAggregateFlag(t *testing.T) {
	c := New()
	assert.False(t, c.IsRequested(Token("bogus")))
	c.Request()
	assert.True(t, c.IsRequested(Token("bogus")))
}

func TestWaitReturnsTrueOnceAllTokensClear(t *testing.T) {
	c := New()
	c.Request()

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.SignalComplete(TokenDStore)
		c.SignalComplete(TokenRale)
		c.SignalComplete(TokenComm)
	}()

	ok := c.Wait(time.Second)
	assert.True(t, ok)
}

func TestWaitTimesOutIfNotAllClear(t *testing.T) {
	c := New()
	c.Request()
	c.SignalComplete(TokenDStore)
	// rale, comm never signal

	ok := c.Wait(30 * time.Millisecond)
	assert.False(t, ok)
}
