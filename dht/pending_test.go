package dht

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/toxnode/limits"
)

func TestPendingTimesOutExactlyOnce(t *testing.T) {
	const timeout = 5 * time.Second

	tests := []struct {
		name       string
		maxRetries int
	}{
		{"no retries", 0},
		{"one retry", 1},
		{"three retries", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newMockClock()
			p := NewPendingRequests(timeout, tt.maxRetries, 0)
			p.SetTimeProvider(clock)

			resends := 0
			id, err := p.Add(KindPing, bucketID(1), publicAddr(1), NodeID{}, func() error {
				resends++
				return nil
			})
			require.NoError(t, err)

			start := clock.Now()
			deadline := start.Add(timeout * time.Duration(tt.maxRetries+1))

			var timedOut []*PendingRequest
			for now := start; now.Before(deadline); now = now.Add(time.Second) {
				timedOut = append(timedOut, p.Expire(now)...)
			}
			assert.Empty(t, timedOut, "no timeout before the final deadline")
			assert.Equal(t, tt.maxRetries, resends)

			expired := p.Expire(deadline)
			require.Len(t, expired, 1)
			assert.Equal(t, id, expired[0].ID)
			assert.Equal(t, TimedOut, expired[0].State)
			assert.ErrorIs(t, expired[0].Err, ErrRequestTimeout)

			assert.Empty(t, p.Expire(deadline.Add(time.Hour)), "timeout is reported once")
			assert.Equal(t, 0, p.Len())

			_, ok := p.Answer(id, KindPing, bucketID(1))
			assert.False(t, ok, "late answers are ignored")
		})
	}
}

func TestPendingResendFailureStillTimesOut(t *testing.T) {
	const timeout = 5 * time.Second

	clock := newMockClock()
	p := NewPendingRequests(timeout, 2, 0)
	p.SetTimeProvider(clock)

	attempts := 0
	id, err := p.Add(KindNodesRequest, bucketID(2), publicAddr(2), bucketID(3), func() error {
		attempts++
		return errors.New("socket closed")
	})
	require.NoError(t, err)

	start := clock.Now()
	assert.Empty(t, p.Expire(start.Add(timeout)))
	assert.Empty(t, p.Expire(start.Add(2*timeout)))
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, p.Len(), "a failed resend keeps the request pending")

	expired := p.Expire(start.Add(3 * timeout))
	require.Len(t, expired, 1)
	assert.Equal(t, id, expired[0].ID)
	assert.ErrorIs(t, expired[0].Err, ErrRequestTimeout)
	assert.Empty(t, p.Expire(start.Add(time.Hour)))
}

func TestPendingAnswer(t *testing.T) {
	p := NewPendingRequests(time.Second, 0, 0)
	peer := bucketID(1)

	tests := []struct {
		name   string
		kind   RequestKind
		answer RequestKind
		from   NodeID
		ok     bool
	}{
		{"matching ping", KindPing, KindPing, peer, true},
		{"matching nodes", KindNodesRequest, KindNodesRequest, peer, true},
		{"ping answers eviction check", KindEvictionCheck, KindPing, peer, true},
		{"wrong kind", KindPing, KindNodesRequest, peer, false},
		{"nodes does not answer eviction", KindEvictionCheck, KindNodesRequest, peer, false},
		{"wrong peer", KindPing, KindPing, bucketID(2), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := p.Add(tt.kind, peer, publicAddr(1), NodeID{}, nil)
			require.NoError(t, err)
			defer p.Cancel(id)

			req, ok := p.Answer(id, tt.answer, tt.from)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				require.NotNil(t, req)
				assert.Equal(t, Answered, req.State)
				assert.Equal(t, tt.kind, req.Kind)

				_, again := p.Answer(id, tt.answer, tt.from)
				assert.False(t, again, "a request is answered once")
			}
		})
	}

	_, ok := p.Answer(12345, KindPing, peer)
	assert.False(t, ok, "unknown id")
}

func TestPendingHasPendingAndCancel(t *testing.T) {
	p := NewPendingRequests(time.Second, 0, 0)
	id, err := p.Add(KindNodesRequest, bucketID(1), publicAddr(1), bucketID(9), nil)
	require.NoError(t, err)
	assert.NotZero(t, id)

	assert.True(t, p.HasPending(KindNodesRequest, bucketID(1)))
	assert.False(t, p.HasPending(KindPing, bucketID(1)))
	assert.False(t, p.HasPending(KindNodesRequest, bucketID(2)))

	p.Cancel(id)
	assert.False(t, p.HasPending(KindNodesRequest, bucketID(1)))
	assert.Equal(t, 0, p.Len())
}

func TestPendingCapacity(t *testing.T) {
	p := NewPendingRequests(time.Second, 0, 3)
	for i := 0; i < 3; i++ {
		_, err := p.Add(KindPing, bucketID(byte(i)), publicAddr(byte(i)), NodeID{}, nil)
		require.NoError(t, err)
	}

	_, err := p.Add(KindPing, bucketID(9), publicAddr(9), NodeID{}, nil)
	assert.ErrorIs(t, err, limits.ErrResourceExhaustion)
	assert.Equal(t, 3, p.Len())
}

func TestPendingUniqueIDs(t *testing.T) {
	p := NewPendingRequests(time.Second, 0, 0)
	seen := make(map[uint64]bool)
	for i := 0; i < 500; i++ {
		id, err := p.Add(KindPing, bucketID(1), publicAddr(1), NodeID{}, nil)
		require.NoError(t, err)
		require.False(t, seen[id])
		seen[id] = true
	}
}
