package transport

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/p2p/netutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/toxnode/crypto"
	"github.com/opd-ai/toxnode/limits"
)

var testSource = &net.UDPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 33445}

func TestDispatcherRoutesByType(t *testing.T) {
	d := NewDispatcher(nil, nil)

	var got *Packet
	d.RegisterHandler(PacketPingRequest, 3, func(p *Packet, addr net.Addr) error {
		got = p
		return nil
	})

	require.NoError(t, d.Dispatch([]byte{0x00, 0xaa, 0xbb}, testSource))
	require.NotNil(t, got)
	assert.Equal(t, PacketPingRequest, got.PacketType)
	assert.Equal(t, []byte{0xaa, 0xbb}, got.Data)

	stats := d.Stats()
	assert.EqualValues(t, 1, stats.Received)
	assert.EqualValues(t, 1, stats.Handled)
	assert.EqualValues(t, 1, stats.ByType[PacketPingRequest])
}

func TestDispatcherRejections(t *testing.T) {
	called := 0
	handler := func(p *Packet, addr net.Addr) error {
		called++
		return nil
	}

	tests := []struct {
		name    string
		data    []byte
		wantErr error
		check   func(t *testing.T, s DispatcherStats)
	}{
		{
			name:    "empty",
			data:    nil,
			wantErr: ErrMalformedPacket,
			check:   func(t *testing.T, s DispatcherStats) { assert.EqualValues(t, 1, s.Malformed) },
		},
		{
			name:    "unknown type",
			data:    []byte{0x03, 1, 2},
			wantErr: ErrMalformedPacket,
			check:   func(t *testing.T, s DispatcherStats) { assert.EqualValues(t, 1, s.UnknownType) },
		},
		{
			name:    "too short",
			data:    []byte{0x00, 1},
			wantErr: ErrMalformedPacket,
			check:   func(t *testing.T, s DispatcherStats) { assert.EqualValues(t, 1, s.TooShort) },
		},
		{
			name:    "oversize",
			data:    make([]byte, limits.MaxUDPPacketSize+1),
			wantErr: limits.ErrPacketTooLarge,
			check:   func(t *testing.T, s DispatcherStats) { assert.EqualValues(t, 1, s.Malformed) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called = 0
			d := NewDispatcher(nil, nil)
			d.RegisterHandler(PacketPingRequest, 10, handler)

			err := d.Dispatch(tt.data, testSource)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, called, "handler must not run")
			tt.check(t, d.Stats())
		})
	}
}

func TestDispatcherClassifiesHandlerErrors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(t *testing.T, s DispatcherStats)
	}{
		{"malformed", fmt.Errorf("bad: %w", ErrMalformedPacket), func(t *testing.T, s DispatcherStats) { assert.EqualValues(t, 1, s.Malformed) }},
		{"auth", fmt.Errorf("open: %w", crypto.ErrAuthFailure), func(t *testing.T, s DispatcherStats) { assert.EqualValues(t, 1, s.AuthFailures) }},
		{"dropped", fmt.Errorf("path: %w", ErrDropped), func(t *testing.T, s DispatcherStats) { assert.EqualValues(t, 1, s.Dropped) }},
		{"other", errors.New("boom"), func(t *testing.T, s DispatcherStats) { assert.EqualValues(t, 1, s.HandlerErrors) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(nil, nil)
			d.RegisterHandler(PacketNodesRequest, 1, func(p *Packet, addr net.Addr) error { return tt.err })

			err := d.Dispatch([]byte{0x02}, testSource)
			assert.ErrorIs(t, err, tt.err)
			tt.check(t, d.Stats())
		})
	}
}

func TestDispatcherNetRestrict(t *testing.T) {
	restrict, err := netutil.ParseNetlist("10.0.0.0/8")
	require.NoError(t, err)

	d := NewDispatcher(nil, restrict)
	handled := 0
	d.RegisterHandler(PacketPingRequest, 1, func(p *Packet, addr net.Addr) error {
		handled++
		return nil
	})

	assert.ErrorIs(t, d.Dispatch([]byte{0x00}, testSource), ErrDropped)
	assert.NoError(t, d.Dispatch([]byte{0x00}, &net.UDPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 1}))
	assert.Equal(t, 1, handled)
	assert.EqualValues(t, 1, d.Stats().Restricted)
}

func TestDispatcherPenalizesAuthFailures(t *testing.T) {
	now := time.Unix(1000, 0)
	limiter := NewRateLimiter(RateLimitConfig{PacketsPerSecond: 1, Burst: 10, Penalty: 10})
	limiter.SetTimeFunc(func() time.Time { return now })

	d := NewDispatcher(limiter, nil)
	d.RegisterHandler(PacketNodesRequest, 1, func(p *Packet, addr net.Addr) error {
		return crypto.ErrAuthFailure
	})

	// One packet costs a token, the penalty drains the rest of the burst.
	assert.ErrorIs(t, d.Dispatch([]byte{0x02}, testSource), crypto.ErrAuthFailure)
	assert.ErrorIs(t, d.Dispatch([]byte{0x02}, testSource), ErrDropped)
	assert.EqualValues(t, 1, d.Stats().RateLimited)

	other := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 11), Port: 1}
	assert.ErrorIs(t, d.Dispatch([]byte{0x02}, other), crypto.ErrAuthFailure, "other sources are unaffected")
}

func TestDispatcherPenalizesMalformedDatagrams(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown type", []byte{0x03, 1, 2}},
		{"too short", []byte{0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Unix(1000, 0)
			limiter := NewRateLimiter(RateLimitConfig{PacketsPerSecond: 1, Burst: 5, Penalty: 5})
			limiter.SetTimeFunc(func() time.Time { return now })

			d := NewDispatcher(limiter, nil)
			d.RegisterHandler(PacketPingRequest, 2, func(p *Packet, addr net.Addr) error { return nil })

			assert.ErrorIs(t, d.Dispatch(tt.data, testSource), ErrMalformedPacket)
			assert.ErrorIs(t, d.Dispatch([]byte{0x00, 1}, testSource), ErrDropped, "follow-up from the same source")
			assert.EqualValues(t, 1, d.Stats().RateLimited)

			other := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 11), Port: 1}
			assert.NoError(t, d.Dispatch([]byte{0x00, 1}, other))
		})
	}
}
