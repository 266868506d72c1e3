package rtc

import (
	"sort"

	"github.com/pion/rtp"
)

// media 는 협상된 m= 라인입니다.
type media struct {
	mid       string
	kind      MediaKind
	direction Direction
	codec     Codec
	reorder   *reorderBuffer
}

func (m *media) added() MediaAdded {
	return MediaAdded{Mid: m.mid, Kind: m.kind, Direction: m.direction, Codec: m.codec}
}

func (m *media) data(p *rtp.Packet) MediaData {
	return MediaData{
		Mid:            m.mid,
		PayloadType:    p.PayloadType,
		SequenceNumber: p.SequenceNumber,
		Timestamp:      p.Timestamp,
		SSRC:           p.SSRC,
		Marker:         p.Marker,
		Payload:        p.Payload,
	}
}

// seqLess 는 16비트 wrap 을 고려해 RTP 시퀀스 번호를 비교합니다.
func seqLess(a, b uint16) bool {
	return int16(a-b) < 0
}

// reorderBuffer 는 순서가 어긋난 패킷을 최대 depth-1 개 잡아두었다가 순서대로 내보냅니다.
// 버퍼가 차면 빠진 번호를 기다리지 않고 건너뜁니다.
type reorderBuffer struct {
	depth   int
	started bool
	next    uint16
	held    map[uint16]*rtp.Packet
}

func newReorderBuffer(depth int) *reorderBuffer {
	if depth < 1 {
		depth = 1
	}
	return &reorderBuffer{depth: depth, held: make(map[uint16]*rtp.Packet)}
}

// push 는 패킷 하나를 받고 이제 순서가 맞는 패킷들을 반환합니다.
func (b *reorderBuffer) push(p *rtp.Packet) []*rtp.Packet {
	seq := p.SequenceNumber
	if !b.started {
		b.started = true
		b.next = seq
	}
	if seqLess(seq, b.next) {
		return nil
	}
	if _, dup := b.held[seq]; dup {
		return nil
	}
	b.held[seq] = p

	out := b.drain()
	for len(b.held) >= b.depth {
		b.next = b.oldest()
		out = append(out, b.drain()...)
	}
	return out
}

func (b *reorderBuffer) drain() []*rtp.Packet {
	var out []*rtp.Packet
	for {
		p, ok := b.held[b.next]
		if !ok {
			return out
		}
		delete(b.held, b.next)
		out = append(out, p)
		b.next++
	}
}

func (b *reorderBuffer) oldest() uint16 {
	seqs := make([]uint16, 0, len(b.held))
	for s := range b.held {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqLess(seqs[i], seqs[j]) })
	return seqs[0]
}
