package stream

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineReaderReadsCompleteLine(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		client.Write([]byte("HELLO 1\n"))
	}()

	r := newLineReader(server, time.Second, MaxFrameBytes)
	line, res := r.ReadLine()
	require.Equal(t, lineOK, res)
	assert.Equal(t, "HELLO 1", line)
}

func TestLineReaderCarriesPartialLineAcrossReads(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		client.Write([]byte("HEL"))
		time.Sleep(10 * time.Millisecond)
		client.Write([]byte("LO 1\n"))
	}()

	r := newLineReader(server, time.Second, MaxFrameBytes)
	line, res := r.ReadLine()
	require.Equal(t, lineOK, res)
	assert.Equal(t, "HELLO 1", line)
}

func TestLineReaderRecoverableTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	r := newLineReader(server, 20*time.Millisecond, MaxFrameBytes)
	_, res := r.ReadLine()
	assert.Equal(t, lineTimeout, res)

	go func() {
		client.Write([]byte("KEEP_ALIVE\n"))
	}()
	line, res := r.ReadLine()
	require.Equal(t, lineOK, res)
	assert.Equal(t, "KEEP_ALIVE", line)
}

func TestLineReaderRejectsOversizeFrame(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		buf := make([]byte, MaxFrameBytes+10)
		for i := range buf {
			buf[i] = 'x'
		}
		client.Write(buf)
	}()

	r := newLineReader(server, time.Second, 16)
	_, res := r.ReadLine()
	assert.Equal(t, lineErr, res)
}
