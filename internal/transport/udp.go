// Package transport owns the UDP sockets: broadcast discovery traffic on the
// discovery port, unicast data traffic on the message port.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nexlattice/internal/proto"
)

const (
	sendAttempts    = 3
	sendBackoffBase = 50 * time.Millisecond
	readPollTimeout = 500 * time.Millisecond
)

var ErrSendFailed = errors.New("send failed")

// Packet is one inbound datagram and its origin.
type Packet struct {
	Data []byte
	From *net.UDPAddr
}

type Handler func(pkt Packet)

type Config struct {
	BindAddr      string
	BroadcastAddr string
	DiscoveryPort int
	MessagePort   int
}

type UDP struct {
	cfg      Config
	log      *zap.Logger
	discConn *net.UDPConn
	msgConn  *net.UDPConn
}

func New(cfg Config, log *zap.Logger) *UDP {
	return &UDP{cfg: cfg, log: log}
}

// Open binds both sockets. The node cannot participate in the mesh until
// this succeeds.
func (t *UDP) Open() error {
	disc, err := listenUDP(t.cfg.BindAddr, t.cfg.DiscoveryPort)
	if err != nil {
		return fmt.Errorf("bind discovery port: %w", err)
	}
	msg, err := listenUDP(t.cfg.BindAddr, t.cfg.MessagePort)
	if err != nil {
		_ = disc.Close()
		return fmt.Errorf("bind message port: %w", err)
	}
	t.discConn = disc
	t.msgConn = msg
	t.log.Info("transport listening",
		zap.Int("discovery_port", t.cfg.DiscoveryPort),
		zap.Int("message_port", t.cfg.MessagePort))
	return nil
}

// Listen runs both receive loops until ctx is cancelled or a socket fails
// unrecoverably.
func (t *UDP) Listen(ctx context.Context, handler Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.readLoop(ctx, t.discConn, handler) })
	g.Go(func() error { return t.readLoop(ctx, t.msgConn, handler) })
	return g.Wait()
}

func (t *UDP) readLoop(ctx context.Context, conn *net.UDPConn, handler Handler) error {
	buf := make([]byte, proto.MaxDatagramSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		// Deadline-bounded reads keep the loop responsive to shutdown.
		_ = conn.SetReadDeadline(time.Now().Add(readPollTimeout))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("socket read: %w", err)
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		handler(Packet{Data: data, From: from})
	}
}

// Broadcast sends a discovery datagram to the broadcast address.
func (t *UDP) Broadcast(data []byte) error {
	addr := net.JoinHostPort(t.cfg.BroadcastAddr, fmt.Sprint(t.cfg.DiscoveryPort))
	return t.send(addr, data)
}

// SendDiscovery unicasts a handshake or health datagram to a peer.
func (t *UDP) SendDiscovery(host string, data []byte) error {
	return t.send(net.JoinHostPort(host, fmt.Sprint(t.cfg.DiscoveryPort)), data)
}

// SendData unicasts a DATA datagram to a peer.
func (t *UDP) SendData(host string, data []byte) error {
	return t.send(net.JoinHostPort(host, fmt.Sprint(t.cfg.MessagePort)), data)
}

// send dials a fresh socket per datagram, retrying with backoff up to a
// bounded attempt count. Send failures are never fatal to the caller's loop.
func (t *UDP) send(addr string, data []byte) error {
	var lastErr error
	for attempt := 0; attempt < sendAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(sendBackoffBase << (attempt - 1))
		}
		conn, err := broadcastDialer().Dial("udp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.Write(data)
		_ = conn.Close()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %s: %v", ErrSendFailed, addr, lastErr)
}

func (t *UDP) Close() error {
	var first error
	if t.discConn != nil {
		if err := t.discConn.Close(); err != nil && first == nil {
			first = err
		}
	}
	if t.msgConn != nil {
		if err := t.msgConn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func listenUDP(bindAddr string, port int) (*net.UDPConn, error) {
	ip := net.ParseIP(bindAddr)
	if ip == nil && bindAddr != "" {
		return nil, fmt.Errorf("bad bind addr %q", bindAddr)
	}
	return net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
}

// broadcastDialer enables SO_BROADCAST so the discovery probe can reach the
// subnet broadcast address.
func broadcastDialer() *net.Dialer {
	return &net.Dialer{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
}
