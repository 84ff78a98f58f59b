package datagram

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Inbound pairs a decoded Message with its sender, the shape the
// consensus engine's dispatch function consumes (§4.4: "dispatches each
// to the consensus engine with (sender_ip, sender_port)").
type Inbound struct {
	Msg  Message
	IP   string
	Port int
}

// Transport is the capability the consensus engine is parameterized
// over, per §9's redesign cue replacing callback function pointers with
// a small interface tests can fake.
type Transport interface {
	// Send fires a message at ip:port. Failures are swallowed by the
	// caller per §4.4 ("send failures update no state other than debug
	// counters") — Send itself still returns the error so callers can
	// bump their own counter.
	Send(ip string, port int, msg Message) error
	// Poll drains zero or more pending datagrams without blocking.
	Poll() []Inbound
	Close() error
}

// UDPSocket is the production Transport backed by a bound UDP socket.
type UDPSocket struct {
	conn *net.UDPConn
	log  *logrus.Entry
}

// Bind opens a UDP socket on the given consensus port (spec §6, "Binds
// on the configured consensus port").
func Bind(port int, log *logrus.Entry) (*UDPSocket, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	addr := &net.UDPAddr{Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &UDPSocket{conn: conn, log: log.WithField("component", "datagram")}, nil
}

func (u *UDPSocket) Send(ip string, port int, msg Message) error {
	line, err := msg.Encode()
	if err != nil {
		return err
	}
	dst := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	_, err = u.conn.WriteToUDP([]byte(line), dst)
	if err != nil {
		u.log.WithError(err).Debug("datagram send failed")
	}
	return err
}

// Poll drains every datagram currently queued on the socket, using a
// zero read deadline so it never blocks the driver thread (§5:
// "consensus step... must not suspend").
func (u *UDPSocket) Poll() []Inbound {
	var out []Inbound
	buf := make([]byte, MaxLineBytes+1)
	for {
		u.conn.SetReadDeadline(time.Now())
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			return out
		}
		msg, ok := Parse(string(buf[:n]))
		if !ok {
			u.log.WithField("from", addr.String()).Debug("discarded malformed datagram")
			continue
		}
		out = append(out, Inbound{Msg: msg, IP: addr.IP.String(), Port: addr.Port})
	}
}

func (u *UDPSocket) Close() error { return u.conn.Close() }

// Fake is an in-memory Transport for consensus engine tests (§9: tests
// "supply an in-memory transport").
type Fake struct {
	Self    string
	Sent    []FakeSend
	inbox   []Inbound
	onSend  func(ip string, port int, msg Message)
}

type FakeSend struct {
	IP   string
	Port int
	Msg  Message
}

func NewFake() *Fake { return &Fake{} }

func (f *Fake) Send(ip string, port int, msg Message) error {
	f.Sent = append(f.Sent, FakeSend{IP: ip, Port: port, Msg: msg})
	if f.onSend != nil {
		f.onSend(ip, port, msg)
	}
	return nil
}

func (f *Fake) Poll() []Inbound {
	out := f.inbox
	f.inbox = nil
	return out
}

func (f *Fake) Close() error { return nil }

// Deliver queues an inbound message for the next Poll call, simulating a
// peer's datagram arriving.
func (f *Fake) Deliver(ip string, port int, msg Message) {
	f.inbox = append(f.inbox, Inbound{Msg: msg, IP: ip, Port: port})
}
