package wol

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
)

// DefaultBroadcast is used when Send is called without a target address.
const DefaultBroadcast = "255.255.255.255"

// Option configures a Sender.
type Option func(*Sender)

// WithPort overrides the destination UDP port.
func WithPort(port int) Option {
	return func(s *Sender) {
		s.port = port
	}
}

// WithBroadcast sets the address used when a device has no target address.
func WithBroadcast(addr string) Option {
	return func(s *Sender) {
		s.broadcast = addr
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sender) {
		s.logger = logger
	}
}

// WithDialer replaces the function used to open the UDP socket.
func WithDialer(dial func(ctx context.Context, network, address string) (net.Conn, error)) Option {
	return func(s *Sender) {
		s.dial = dial
	}
}

// Sender transmits magic packets as single UDP datagrams. Go enables
// SO_BROADCAST on UDP sockets, so a subnet or limited broadcast address works
// as a target.
type Sender struct {
	port      int
	broadcast string
	logger    *slog.Logger
	dial      func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewSender creates a Sender targeting DefaultPort.
func NewSender(opts ...Option) *Sender {
	var d net.Dialer
	s := &Sender{
		port:      DefaultPort,
		broadcast: DefaultBroadcast,
		logger:    slog.Default(),
		dial:      d.DialContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send builds the magic packet for mac and writes it to target. Nothing is
// sent if the MAC does not parse. Success means the datagram left the host,
// not that the device woke.
func (s *Sender) Send(ctx context.Context, mac, target string) error {
	packet, err := NewMagicPacket(mac)
	if err != nil {
		return err
	}

	if target == "" {
		target = s.broadcast
	}
	addr := net.JoinHostPort(target, strconv.Itoa(s.port))

	conn, err := s.dial(ctx, "udp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if _, err := conn.Write(packet[:]); err != nil {
		return fmt.Errorf("write magic packet to %s: %w", addr, err)
	}

	s.logger.Debug("magic packet sent", "mac", mac, "addr", addr)
	return nil
}
