package tincanphone

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

const (
	// PortDefault is the first port tried at bind time and the one shown
	// to the user when no alternate port was needed.
	PortDefault = 56780
	// PortMax is the last port tried before bind is treated as fatal.
	PortMax = 56789
)

// inboundDatagram is one received UDP packet, handed from the reader
// goroutine to the engine.
type inboundDatagram struct {
	from *net.UDPAddr
	data []byte
}

// socket is a UDP endpoint with non-blocking receive semantics built from a
// background reader goroutine feeding a buffered channel: the engine drains
// it with a non-blocking select, exactly the shape of a recvfrom loop that
// stops at EWOULDBLOCK.
type socket struct {
	conn *net.UDPConn
	port int

	inbound chan inboundDatagram
	recvErr chan error
	closed  chan struct{}
}

// bindSocket opens a UDP socket on 0.0.0.0, starting at PortDefault and
// incrementing on EADDRINUSE up to and including PortMax.
func bindSocket() (*socket, error) {
	var lastErr error
	for port := PortDefault; port <= PortMax; port++ {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
		if err == nil {
			s := &socket{
				conn:    conn,
				port:    port,
				inbound: make(chan inboundDatagram, 64),
				recvErr: make(chan error, 1),
				closed:  make(chan struct{}),
			}
			go s.readLoop()
			return s, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("socket: bind: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("socket: no free port in [%d, %d]: %w", PortDefault, PortMax, lastErr)
}

// Port is the bound local port.
func (s *socket) Port() int { return s.port }

func (s *socket) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if isRecoverableRecvError(err) {
				select {
				case s.recvErr <- err:
				case <-s.closed:
					return
				}
				continue
			}
			close(s.inbound)
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case s.inbound <- inboundDatagram{from: from, data: data}:
		case <-s.closed:
			return
		}
	}
}

// isRecoverableRecvError reports the recv errors the engine treats as
// "this call ended, return to idle" rather than fatal.
func isRecoverableRecvError(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED)
}

// ErrConnReset is returned by Recv for a peer-recoverable recv error
// (ECONNRESET/ECONNABORTED): the caller logs it and ends the current call,
// but the socket itself keeps running.
var ErrConnReset = errors.New("socket: connection reset")

// ErrSocketClosed is returned by Recv once the read loop has stopped
// because of a recv error that was not one of the recoverable ones above.
// It is fatal: the socket will not deliver anything more.
var ErrSocketClosed = errors.New("socket: read loop stopped")

// Recv drains at most one pending datagram or recv error, non-blocking.
// Returns ok=false, err=nil when nothing is pending right now.
func (s *socket) Recv() (from *net.UDPAddr, data []byte, ok bool, err error) {
	select {
	case <-s.recvErr:
		return nil, nil, false, ErrConnReset
	case d, open := <-s.inbound:
		if !open {
			return nil, nil, false, ErrSocketClosed
		}
		return d.from, d.data, true, nil
	default:
		return nil, nil, false, nil
	}
}

// Send transmits data to addr. Send errors are never fatal by themselves;
// the caller logs and continues (EWOULDBLOCK-equivalent back-pressure on a
// UDP socket is exceedingly rare and not distinguished here).
func (s *socket) Send(data []byte, addr *net.UDPAddr) error {
	_, err := s.conn.WriteToUDP(data, addr)
	if err != nil {
		return fmt.Errorf("socket: send to %s: %w", addr, err)
	}
	return nil
}

// Close releases the socket and stops the reader goroutine.
func (s *socket) Close() error {
	close(s.closed)
	return s.conn.Close()
}
