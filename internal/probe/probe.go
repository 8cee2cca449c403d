// Package probe checks whether a host is alive with a single unprivileged
// ICMP echo request.
//
// The echo is sent over an ICMP datagram socket ("udp4"/"udp6"), which Linux
// allows for groups listed in net.ipv4.ping_group_range and macOS allows for
// everyone. When the socket cannot be opened the prober falls back to a TCP
// connect against a short list of common ports: a completed handshake or an
// active refusal both prove the host is up.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// ErrProbeFailed is returned when a probe cannot be attempted at all, for
// example when the address does not resolve. A host that simply does not
// answer is reported as not alive instead.
var ErrProbeFailed = errors.New("probe: cannot probe host")

// DefaultTimeout bounds the wait for an echo reply.
const DefaultTimeout = time.Second

// DefaultFallbackPorts are tried when ICMP sockets are unavailable.
var DefaultFallbackPorts = []int{22, 80, 443, 445, 3389}

const (
	protocolICMP   = 1
	protocolICMPv6 = 58
)

// Result is the outcome of one probe.
type Result struct {
	Address string `json:"address"`
	IsAlive bool   `json:"is_alive"`
}

// Option configures a Prober.
type Option func(*Prober)

// WithTimeout sets how long to wait for a reply.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) {
		p.timeout = d
	}
}

// WithFallbackPorts sets the TCP ports tried when ICMP is unavailable.
func WithFallbackPorts(ports []int) Option {
	return func(p *Prober) {
		p.fallbackPorts = ports
	}
}

// WithLogger sets the prober's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Prober) {
		p.logger = logger
	}
}

// Prober sends ICMP echo requests without raw-socket privileges.
type Prober struct {
	timeout       time.Duration
	fallbackPorts []int
	logger        *slog.Logger
	seq           atomic.Uint32

	listenICMP func(network, address string) (*icmp.PacketConn, error)
	dial       func(ctx context.Context, network, address string) (net.Conn, error)
}

// New creates a Prober with DefaultTimeout and DefaultFallbackPorts.
func New(opts ...Option) *Prober {
	var d net.Dialer
	p := &Prober{
		timeout:       DefaultTimeout,
		fallbackPorts: DefaultFallbackPorts,
		logger:        slog.Default(),
		listenICMP:    icmp.ListenPacket,
		dial:          d.DialContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe resolves host and sends one echo request to it. The returned address
// is the resolved IP.
func (p *Prober) Probe(ctx context.Context, host string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ip, err := resolve(ctx, host)
	if err != nil {
		return Result{Address: host}, fmt.Errorf("%w: resolve %q: %w", ErrProbeFailed, host, err)
	}
	res := Result{Address: ip.String()}

	alive, err := p.echo(ctx, ip)
	if err != nil {
		p.logger.Debug("icmp unavailable, using tcp fallback", "addr", res.Address, "err", err)
		res.IsAlive = p.tcpAlive(ctx, ip)
		return res, nil
	}
	res.IsAlive = alive
	return res, nil
}

func resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.IP, nil
		}
	}
	return addrs[0].IP, nil
}

// echo returns an error only when the ICMP socket itself is unusable. A
// missing reply or a send refused by routing means the host is not alive.
func (p *Prober) echo(ctx context.Context, ip net.IP) (bool, error) {
	network, laddr, proto := "udp4", "0.0.0.0", protocolICMP
	var reqType, replyType icmp.Type = ipv4.ICMPTypeEcho, ipv4.ICMPTypeEchoReply
	if ip.To4() == nil {
		network, laddr, proto = "udp6", "::", protocolICMPv6
		reqType, replyType = ipv6.ICMPTypeEchoRequest, ipv6.ICMPTypeEchoReply
	}

	conn, err := p.listenICMP(network, laddr)
	if err != nil {
		return false, fmt.Errorf("listen %s: %w", network, err)
	}
	defer conn.Close()

	seq := int(p.seq.Add(1) & 0xffff)
	payload := []byte("wol-go-home")
	msg := icmp.Message{
		Type: reqType,
		Code: 0,
		Body: &icmp.Echo{
			// The kernel rewrites the ID to the socket's port for datagram
			// ICMP sockets, so replies are matched on sequence and payload.
			ID:   os.Getpid() & 0xffff,
			Seq:  seq,
			Data: payload,
		},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return false, fmt.Errorf("marshal echo: %w", err)
	}

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return false, fmt.Errorf("set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	dst := &net.UDPAddr{IP: ip}
	if _, err := conn.WriteTo(wb, dst); err != nil {
		p.logger.Debug("echo request not sent", "addr", ip.String(), "err", err)
		return false, nil
	}

	rb := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(rb)
		if err != nil {
			// Deadline reached or context cancelled.
			return false, nil
		}
		reply, err := icmp.ParseMessage(proto, rb[:n])
		if err != nil || reply.Type != replyType {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq || string(echo.Data) != string(payload) {
			continue
		}
		if udp, ok := peer.(*net.UDPAddr); ok && !udp.IP.Equal(ip) {
			continue
		}
		return true, nil
	}
}

// tcpAlive dials every fallback port at once and reports whether any of them
// answered with either a handshake or a refusal.
func (p *Prober) tcpAlive(ctx context.Context, ip net.IP) bool {
	if len(p.fallbackPorts) == 0 {
		return false
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan bool, len(p.fallbackPorts))
	for _, port := range p.fallbackPorts {
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
		go func() {
			conn, err := p.dial(ctx, "tcp", addr)
			if err == nil {
				conn.Close()
				results <- true
				return
			}
			results <- errors.Is(err, syscall.ECONNREFUSED)
		}()
	}

	for range p.fallbackPorts {
		if <-results {
			return true
		}
	}
	return false
}
