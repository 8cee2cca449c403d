package wol

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestNewMagicPacket(t *testing.T) {
	p, err := NewMagicPacket("01:02:03:04:05:06")
	if err != nil {
		t.Fatal(err)
	}
	if len(p) != 102 {
		t.Fatalf("len = %d, want 102", len(p))
	}
	if !bytes.Equal(p[:6], bytes.Repeat([]byte{0xFF}, 6)) {
		t.Errorf("sync stream = % X", p[:6])
	}
	mac := []byte{1, 2, 3, 4, 5, 6}
	for i := 0; i < 16; i++ {
		got := p[6+i*6 : 12+i*6]
		if !bytes.Equal(got, mac) {
			t.Errorf("repetition %d = % X, want % X", i, got, mac)
		}
	}
}

func TestParseMAC(t *testing.T) {
	want := [6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"aa:bb:cc:dd:ee:ff", false},
		{"AA:BB:CC:DD:EE:FF", false},
		{"aa-bb-cc-dd-ee-ff", false},
		{"aabb.ccdd.eeff", false},
		{"aabbccddeeff", false},
		{"bad-mac", true},
		{"", true},
		{"aa:bb:cc:dd:ee", true},
		{"aa:bb:cc:dd:ee:gg", true},
		{"aa/bb/cc/dd/ee/ff", false},
		{"aa.bb.cc.dd.ee.ff", false},
		{"aa bb cc dd ee ff", false},
		{"aabb:ccdd:eeff", false},
		{"aabb-ccdd-eeff", false},
		{"aabb.ccdd.ee.f", true},
		{"aa:bb:cc:dd:ee-ff", true},
		{"aa:bb:cc:dd:ee:ff:00", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMAC(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidMAC) {
					t.Errorf("ParseMAC(%q) err = %v, want ErrInvalidMAC", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseMAC(%q) err = %v", tt.in, err)
			}
			if got != want {
				t.Errorf("ParseMAC(%q) = % X, want % X", tt.in, got, want)
			}
		})
	}
}

func TestSendDeliversPacket(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()
	port := pc.LocalAddr().(*net.UDPAddr).Port

	s := NewSender(WithPort(port))
	if err := s.Send(context.Background(), "01:02:03:04:05:06", "127.0.0.1"); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 256)
	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := NewMagicPacket("01:02:03:04:05:06")
	if !bytes.Equal(buf[:n], want[:]) {
		t.Errorf("received % X, want % X", buf[:n], want[:])
	}
}

func TestSendInvalidMACDoesNotDial(t *testing.T) {
	dialed := false
	s := NewSender(WithDialer(func(ctx context.Context, network, address string) (net.Conn, error) {
		dialed = true
		return nil, errors.New("should not be called")
	}))

	err := s.Send(context.Background(), "bad-mac", "127.0.0.1")
	if !errors.Is(err, ErrInvalidMAC) {
		t.Fatalf("err = %v, want ErrInvalidMAC", err)
	}
	if dialed {
		t.Error("dialer called for invalid mac")
	}
}

func TestSendDefaultsToBroadcast(t *testing.T) {
	var gotAddr string
	s := NewSender(WithBroadcast("192.168.1.255"), WithPort(7), WithDialer(func(ctx context.Context, network, address string) (net.Conn, error) {
		gotAddr = address
		return nil, errors.New("no network in test")
	}))

	err := s.Send(context.Background(), "01:02:03:04:05:06", "")
	if err == nil {
		t.Fatal("expected dial error")
	}
	if gotAddr != "192.168.1.255:7" {
		t.Errorf("addr = %q, want 192.168.1.255:7", gotAddr)
	}
}

func TestSendIPv6Target(t *testing.T) {
	var gotAddr string
	s := NewSender(WithDialer(func(ctx context.Context, network, address string) (net.Conn, error) {
		gotAddr = address
		return nil, errors.New("no network in test")
	}))

	_ = s.Send(context.Background(), "01:02:03:04:05:06", "fe80::1")
	if gotAddr != "[fe80::1]:9" {
		t.Errorf("addr = %q, want [fe80::1]:9", gotAddr)
	}
}
