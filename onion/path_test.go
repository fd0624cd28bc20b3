package onion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/toxnode/crypto"
	"github.com/opd-ai/toxnode/limits"
	"github.com/opd-ai/toxnode/transport"
)

func newTestPathCache(capacity int) (*PathCache, *mockClock) {
	clock := newMockClock()
	c := NewPathCache(capacity, DefaultPathTimeout)
	c.SetTimeProvider(clock)
	return c, clock
}

func TestPathCacheReusesTuple(t *testing.T) {
	c, clock := newTestPathCache(0)

	first, err := c.Put("a", publicAddr(1), nil)
	require.NoError(t, err)
	clock.Advance(time.Second)
	again, err := c.Put("a", publicAddr(1), nil)
	require.NoError(t, err)
	other, err := c.Put("b", publicAddr(1), nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.Return, again.Return)
	assert.Equal(t, clock.Now(), again.LastUsed)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, 2, c.Len())
}

func TestPathReturnBlockSizes(t *testing.T) {
	c, _ := newTestPathCache(0)

	tests := []struct {
		name  string
		inner int
		want  int
	}{
		{"first relay", 0, limits.OnionReturn1Size},
		{"second relay", limits.OnionReturn1Size, limits.OnionReturn2Size},
		{"third relay", limits.OnionReturn2Size, limits.OnionReturn3Size},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := make([]byte, tt.inner)
			p, err := c.Put(tt.name, publicAddr(1), inner)
			require.NoError(t, err)
			require.Len(t, p.Return, tt.want)
			assert.Equal(t, p.ID[:], p.Return[:limits.NonceSize], "the path id is the return nonce")

			plain, err := crypto.DecryptSymmetric(p.Return[limits.NonceSize:], p.ID, p.Key)
			require.NoError(t, err)
			addr, err := transport.UnpackIPPort(plain)
			require.NoError(t, err)
			assert.Equal(t, publicAddr(1).String(), addr.String())
			assert.Equal(t, inner, plain[limits.IPPortSize:])
		})
	}
}

func TestPathCacheDefaults(t *testing.T) {
	c := NewPathCache(0, 0)
	assert.Equal(t, DefaultPathTimeout, c.Timeout())
	assert.Equal(t, 5*time.Second, NewPathCache(1, 5*time.Second).Timeout())
}

func TestPathCacheCapacity(t *testing.T) {
	c, clock := newTestPathCache(2)

	_, err := c.Put("a", publicAddr(1), nil)
	require.NoError(t, err)
	_, err = c.Put("b", publicAddr(2), nil)
	require.NoError(t, err)

	_, err = c.Put("c", publicAddr(3), nil)
	assert.ErrorIs(t, err, ErrPathCacheFull)
	assert.ErrorIs(t, err, limits.ErrResourceExhaustion)

	_, err = c.Put("a", publicAddr(1), nil)
	assert.NoError(t, err, "existing paths are still served when full")

	clock.Advance(DefaultPathTimeout + time.Second)
	_, err = c.Put("c", publicAddr(3), nil)
	assert.NoError(t, err, "idle paths make room")
	assert.Equal(t, 1, c.Len())
}

func TestPathCacheGetTouchSweep(t *testing.T) {
	c, clock := newTestPathCache(0)
	a, err := c.Put("a", publicAddr(1), nil)
	require.NoError(t, err)
	b, err := c.Put("b", publicAddr(2), nil)
	require.NoError(t, err)

	clock.Advance(DefaultPathTimeout / 2)
	assert.True(t, c.Touch(a.ID))

	clock.Advance(DefaultPathTimeout/2 + time.Second)
	_, ok := c.Get(b.ID)
	assert.False(t, ok, "b has been idle past the timeout")

	got, ok := c.Get(a.ID)
	require.True(t, ok, "touching a kept it alive")
	assert.Equal(t, a.Requester.String(), got.Requester.String())

	assert.Equal(t, 1, c.Sweep(clock.Now().Add(DefaultPathTimeout)))
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Touch(a.ID))

	_, ok = c.Get(crypto.Nonce{1})
	assert.False(t, ok)
}
