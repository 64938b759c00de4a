package egress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolHandsOutLowestPairFirst(t *testing.T) {
	p, err := NewPortPool(20000, 20100)
	require.NoError(t, err)
	assert.Equal(t, 50, p.Free())

	pair, err := p.Acquire()
	require.NoError(t, err)
	assert.EqualValues(t, 20000, pair.RTP)
	assert.EqualValues(t, 20001, pair.RTCP)

	next, err := p.Acquire()
	require.NoError(t, err)
	assert.EqualValues(t, 20002, next.RTP)
}

func TestPoolAlignsOddRangeStart(t *testing.T) {
	p, err := NewPortPool(20001, 20005)
	require.NoError(t, err)

	pair, err := p.Acquire()
	require.NoError(t, err)
	assert.EqualValues(t, 20002, pair.RTP)
	assert.EqualValues(t, 20003, pair.RTCP)
}

func TestPoolExhaustionAndRelease(t *testing.T) {
	p, err := NewPortPool(20000, 20003)
	require.NoError(t, err)
	require.Equal(t, 2, p.Free())

	a, err := p.Acquire()
	require.NoError(t, err)
	b, err := p.Acquire()
	require.NoError(t, err)

	_, err = p.Acquire()
	require.ErrorIs(t, err, ErrPoolExhausted)

	p.Release(a)
	assert.Equal(t, 1, p.Free())

	// Double release is a no-op.
	p.Release(a)
	assert.Equal(t, 1, p.Free())

	// Releasing a pair the pool never handed out is a no-op too.
	p.Release(PortPair{RTP: 30000, RTCP: 30001})
	assert.Equal(t, 1, p.Free())

	p.Release(b)
	assert.Equal(t, 2, p.Free())
}

func TestPoolRejectsBadRanges(t *testing.T) {
	for _, tc := range [][2]int{
		{0, 100},
		{20000, 20000},
		{20005, 20001},
		{65535, 65540},
	} {
		_, err := NewPortPool(tc[0], tc[1])
		assert.Error(t, err, "range %d-%d", tc[0], tc[1])
	}
}
