package rtc

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
)

func seqs(pkts []*rtp.Packet) []uint16 {
	out := make([]uint16, 0, len(pkts))
	for _, p := range pkts {
		out = append(out, p.SequenceNumber)
	}
	return out
}

func pkt(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}}
}

func TestReorderBufferDepthOne(t *testing.T) {
	b := newReorderBuffer(1)
	assert.Equal(t, []uint16{10}, seqs(b.push(pkt(10))))
	// gap is skipped immediately.
	assert.Equal(t, []uint16{12}, seqs(b.push(pkt(12))))
	// late packet is dropped.
	assert.Empty(t, b.push(pkt(11)))
	assert.Equal(t, []uint16{13}, seqs(b.push(pkt(13))))
}

func TestReorderBufferReorders(t *testing.T) {
	b := newReorderBuffer(3)
	assert.Equal(t, []uint16{1}, seqs(b.push(pkt(1))))
	assert.Empty(t, b.push(pkt(3)))
	assert.Equal(t, []uint16{2, 3}, seqs(b.push(pkt(2))))
}

func TestReorderBufferSkipsWhenFull(t *testing.T) {
	b := newReorderBuffer(3)
	b.push(pkt(1))
	assert.Empty(t, b.push(pkt(3)))
	assert.Empty(t, b.push(pkt(4)))
	assert.Equal(t, []uint16{3, 4, 5}, seqs(b.push(pkt(5))))
	assert.Empty(t, b.push(pkt(2)), "2 arrived after the buffer gave up on it")
}

func TestReorderBufferWraparound(t *testing.T) {
	b := newReorderBuffer(4)
	assert.Equal(t, []uint16{65534}, seqs(b.push(pkt(65534))))
	assert.Empty(t, b.push(pkt(0)))
	assert.Equal(t, []uint16{65535, 0}, seqs(b.push(pkt(65535))))
	assert.Equal(t, []uint16{1}, seqs(b.push(pkt(1))))
}

func TestReorderBufferDropsDuplicates(t *testing.T) {
	b := newReorderBuffer(4)
	b.push(pkt(5))
	assert.Empty(t, b.push(pkt(7)))
	assert.Empty(t, b.push(pkt(7)))
	assert.Empty(t, b.push(pkt(5)))
	assert.Equal(t, []uint16{6, 7}, seqs(b.push(pkt(6))))
}

func TestSeqLess(t *testing.T) {
	assert.True(t, seqLess(1, 2))
	assert.True(t, seqLess(65535, 0))
	assert.False(t, seqLess(0, 65535))
	assert.False(t, seqLess(3, 3))
}
