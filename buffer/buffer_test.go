package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferAppendAndRetrieve(t *testing.T) {
	b := New()
	require.Equal(t, 0, b.ReadableBytes())

	b.Append([]byte("hello"))
	assert.Equal(t, 5, b.ReadableBytes())
	assert.Equal(t, "hello", string(b.Peek()))

	b.Retrieve(3)
	assert.Equal(t, "lo", string(b.Peek()))

	b.Retrieve(2)
	assert.Equal(t, 0, b.ReadableBytes())
}

func TestBufferRetrieveClampsToReadable(t *testing.T) {
	b := New()
	b.Append([]byte("abc"))
	b.Retrieve(100)
	assert.Equal(t, 0, b.ReadableBytes())
}

func TestBufferRetrieveAllAsString(t *testing.T) {
	b := New()
	b.Append([]byte("round-trip"))
	s := b.RetrieveAllAsString()
	assert.Equal(t, "round-trip", s)
	assert.Equal(t, 0, b.ReadableBytes())
}

func TestBufferGrowsPastInitialCapacity(t *testing.T) {
	b := New()
	big := make([]byte, initialCap*4)
	for i := range big {
		big[i] = byte(i)
	}
	b.Append(big)
	require.Equal(t, len(big), b.ReadableBytes())
	assert.Equal(t, big, b.Peek())
}

func TestBufferReusesStorageAfterDrain(t *testing.T) {
	b := New()
	b.Append(make([]byte, initialCap-10))
	b.Retrieve(initialCap - 10) // drains back to readIndex==writeIndex==0

	b.Append([]byte("abc"))
	b.Retrieve(0) // no-op, cursors stay put

	capBefore := cap(b.buf)
	b.Append(make([]byte, 5))
	assert.Equal(t, capBefore, cap(b.buf), "small appends after a drain should not reallocate")
}

func TestBufferAppendAfterPartialRetrieveReusesFreedPrefix(t *testing.T) {
	b := New()
	b.Append(make([]byte, initialCap-100))
	b.Retrieve(initialCap - 200) // leaves 100 readable, frees most of the prefix

	capBefore := cap(b.buf)
	b.Append(make([]byte, initialCap-150)) // needs more than the tail alone offers
	assert.Equal(t, capBefore, cap(b.buf), "makeRoom should slide rather than reallocate when the freed prefix suffices")
	assert.Equal(t, 100+(initialCap-150), b.ReadableBytes())
}
