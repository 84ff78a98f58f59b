package stream

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Inbound pairs a decoded Frame with the peer id it came from. peerID is
// -1 until the session has completed its HELLO handshake.
type Inbound struct {
	PeerID int64
	Frame  Frame
}

// connState is the liveness flag §5 calls out as its own mutex-protected
// resource ("the connection_status flags are each protected by their own
// mutex").
type connState struct {
	mu     sync.Mutex
	active bool
	lastRx time.Time
}

func (c *connState) touch() {
	c.mu.Lock()
	c.active = true
	c.lastRx = time.Now()
	c.mu.Unlock()
}

func (c *connState) isStale(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastRx) > timeout
}

// Session wraps one TCP connection to a peer: framing, keep-alive, and
// the write path. A Session is either the server side of an accepted
// connection (peerID unknown until HELLO) or the client side of a
// successful dial (peerID known up front).
type Session struct {
	conn   net.Conn
	peerID int64 // -1 until HELLO observed (accept side)
	out    chan Frame
	state  connState
	log    *logrus.Entry

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newSession(conn net.Conn, peerID int64, log *logrus.Entry) *Session {
	s := &Session{
		conn:   conn,
		peerID: peerID,
		out:    make(chan Frame, 64),
		log:    log,
		done:   make(chan struct{}),
	}
	s.state.active = true
	s.state.lastRx = time.Now()
	return s
}

// Done is closed once the session's connection has been torn down,
// whether by the remote end, a keep-alive timeout, or Close.
func (s *Session) Done() <-chan struct{} { return s.done }

// PeerID returns the session's peer id, or -1 if HELLO has not yet been
// observed (accept side, pre-handshake).
func (s *Session) PeerID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

func (s *Session) setPeerID(id int64) {
	s.mu.Lock()
	s.peerID = id
	s.mu.Unlock()
}

// Enqueue queues a frame for the writer goroutine. It never blocks the
// caller's thread for long: a full outbound queue indicates a wedged
// session, so Enqueue drops the frame rather than stalling a driver-
// thread caller.
func (s *Session) Enqueue(f Frame) bool {
	select {
	case s.out <- f:
		return true
	default:
		s.log.WithField("peer", s.PeerID()).Warn("session outbound queue full, dropping frame")
		return false
	}
}

// IsActive reports whether a frame has been received within timeout.
func (s *Session) IsActive(timeout time.Duration) bool {
	return !s.state.isStale(timeout)
}

// Close shuts down both directions of the connection (§5: "shutdown-then-
// close").
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if tcp, ok := s.conn.(*net.TCPConn); ok {
		tcp.CloseRead()
		tcp.CloseWrite()
	}
	close(s.out)
	close(s.done)
	return s.conn.Close()
}

// writeLoop drains the outbound queue onto the wire. Runs on its own
// goroutine per §5's reference layout.
func (s *Session) writeLoop() {
	w := bufio.NewWriter(s.conn)
	for f := range s.out {
		line, err := f.Encode()
		if err != nil {
			s.log.WithError(err).Warn("dropping unencodable frame")
			continue
		}
		if _, err := w.WriteString(line); err != nil {
			s.log.WithError(err).Debug("session write failed")
			return
		}
		if err := w.Flush(); err != nil {
			s.log.WithError(err).Debug("session flush failed")
			return
		}
	}
}

// readLoop pulls newline-delimited frames off the wire and posts them to
// inbound. Runs on its own goroutine per §5's reference layout; the only
// cross-thread mutation it performs is pushing into the bounded inbound
// channel, per §5's mailbox rule. Reads use a short, re-armed deadline
// (§5: "≤100 ms") via lineReader so a quiet peer never blocks this
// goroutine for long — a timeout just loops back around to re-check stop.
func (s *Session) readLoop(inbound chan<- Inbound, readTimeout time.Duration, stop <-chan struct{}) {
	lr := newLineReader(s.conn, readTimeout, MaxFrameBytes)

	for {
		select {
		case <-stop:
			return
		default:
		}

		line, res := lr.ReadLine()
		switch res {
		case lineTimeout:
			continue
		case lineErr:
			s.Close()
			return
		}

		f, ok := Parse(line)
		if !ok {
			s.log.WithField("peer", s.PeerID()).Debug("discarded malformed stream frame")
			continue
		}
		s.state.touch()

		if f.Kind == KindHello {
			s.setPeerID(f.PeerID)
		}

		select {
		case inbound <- Inbound{PeerID: s.PeerID(), Frame: f}:
		case <-stop:
			return
		}
	}
}
