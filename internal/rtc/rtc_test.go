package rtc

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	offererAddr  = "10.0.0.1:5000"
	answererAddr = "10.0.0.2:6000"
)

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp4", s)
	require.NoError(t, err)
	return a
}

func h264Only() *Config {
	return NewConfig().ClearCodecs().EnableH264(true).SetReorderingSizeVideo(1).SetReorderingSizeAudio(1)
}

func buildEngine(t *testing.T, cfg *Config, addr string) *Rtc {
	t.Helper()
	r, err := cfg.Build(testStart)
	require.NoError(t, err)
	if addr != "" {
		c, err := HostCandidate(udpAddr(t, addr))
		require.NoError(t, err)
		require.NoError(t, r.AddLocalCandidate(c))
	}
	return r
}

type peer struct {
	rtc    *Rtc
	events []Event
}

// drain collects everything the engine has ready up to its next Timeout.
func (p *peer) drain(t *testing.T) []*Transmit {
	t.Helper()
	var out []*Transmit
	for {
		o, err := p.rtc.PollOutput()
		if errors.Is(err, ErrDisconnected) {
			return out
		}
		require.NoError(t, err)
		switch v := o.(type) {
		case Timeout:
			return out
		case *Transmit:
			out = append(out, v)
		case Event:
			p.events = append(p.events, v)
		}
	}
}

func (p *peer) deliver(t *testing.T, now time.Time, ts []*Transmit) {
	t.Helper()
	for _, tx := range ts {
		require.NoError(t, p.rtc.HandleInput(ReceiveInput(now, Receive{
			Proto:       tx.Proto,
			Source:      tx.Source,
			Destination: tx.Destination,
			Contents:    tx.Contents,
		})))
	}
}

func (p *peer) has(match func(Event) bool) bool {
	for _, ev := range p.events {
		if match(ev) {
			return true
		}
	}
	return false
}

func isConnected(ev Event) bool {
	_, ok := ev.(Connected)
	return ok
}

// pump moves datagrams between two engines on a virtual clock until done holds.
func pump(t *testing.T, now *time.Time, a, b *peer, done func() bool) {
	t.Helper()
	for i := 0; i < 500 && !done(); i++ {
		toB := a.drain(t)
		toA := b.drain(t)
		b.deliver(t, *now, toB)
		a.deliver(t, *now, toA)
		*now = now.Add(10 * time.Millisecond)
		require.NoError(t, a.rtc.HandleInput(TimeoutInput(*now)))
		require.NoError(t, b.rtc.HandleInput(TimeoutInput(*now)))
	}
	require.True(t, done(), "condition not reached")
}

func negotiate(t *testing.T, offerer, answerer *Rtc) {
	t.Helper()
	api := offerer.SdpAPI()
	api.AddMedia(MediaKindVideo, DirectionSendRecv)
	offer, pending, err := api.Apply()
	require.NoError(t, err)
	answer, err := answerer.SdpAPI().AcceptOffer(offer)
	require.NoError(t, err)
	require.NoError(t, offerer.SdpAPI().AcceptAnswer(pending, answer))
}

func connectedPair(t *testing.T) (*peer, *peer, time.Time) {
	t.Helper()
	o := &peer{rtc: buildEngine(t, h264Only(), offererAddr)}
	a := &peer{rtc: buildEngine(t, h264Only(), answererAddr)}
	negotiate(t, o.rtc, a.rtc)
	now := testStart
	pump(t, &now, o, a, func() bool { return o.has(isConnected) && a.has(isConnected) })
	// keepalives left over from the last tick are not part of any test.
	o.drain(t)
	a.drain(t)
	return o, a, now
}

func TestEnginesConnect(t *testing.T) {
	o, a, _ := connectedPair(t)

	assert.Equal(t, IceConnected, o.rtc.IceConnectionState())
	assert.Equal(t, IceConnected, a.rtc.IceConnectionState())
	assert.True(t, o.rtc.ice.controlling)
	assert.False(t, a.rtc.ice.controlling)

	for _, p := range []*peer{o, a} {
		assert.True(t, p.has(func(ev Event) bool {
			m, ok := ev.(MediaAdded)
			return ok && m.Mid == "0" && m.Kind == MediaKindVideo && m.Codec.Name == "H264" && m.Codec.PayloadType == 96
		}))
	}
}

func TestMediaDataDelivered(t *testing.T) {
	_, a, now := connectedPair(t)

	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 7, Timestamp: 9000, SSRC: 42, Marker: true},
		Payload: []byte{0x65, 0x01, 0x02},
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)

	require.NoError(t, a.rtc.HandleInput(ReceiveInput(now, Receive{
		Proto:       ProtocolUDP,
		Source:      udpAddr(t, offererAddr),
		Destination: udpAddr(t, answererAddr),
		Contents:    raw,
	})))
	a.events = nil
	a.drain(t)

	require.Len(t, a.events, 1)
	data, ok := a.events[0].(MediaData)
	require.True(t, ok)
	assert.Equal(t, "0", data.Mid)
	assert.Equal(t, uint16(7), data.SequenceNumber)
	assert.Equal(t, uint32(42), data.SSRC)
	assert.True(t, data.Marker)
	assert.Equal(t, []byte{0x65, 0x01, 0x02}, data.Payload)
}

func TestDisconnectSendsGoodbye(t *testing.T) {
	o, a, now := connectedPair(t)

	require.NoError(t, o.rtc.Disconnect(now))
	out := o.drain(t)
	require.Len(t, out, 1)
	assert.Equal(t, byte(203), out[0].Contents[1])
	assert.True(t, o.has(IsDisconnected))

	a.deliver(t, now, out)
	a.drain(t)
	assert.True(t, a.has(IsDisconnected))

	_, err := o.rtc.PollOutput()
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.NoError(t, o.rtc.Disconnect(now), "second disconnect is a no-op")
}

func TestDisconnectBeforeConnect(t *testing.T) {
	p := &peer{rtc: buildEngine(t, h264Only(), offererAddr)}
	require.NoError(t, p.rtc.Disconnect(testStart))
	out := p.drain(t)
	assert.Empty(t, out)
	assert.True(t, p.has(IsDisconnected))
}

func TestHandleInputDemux(t *testing.T) {
	r := buildEngine(t, h264Only(), answererAddr)
	in := func(b []byte) Input {
		return ReceiveInput(testStart, Receive{
			Proto:       ProtocolUDP,
			Source:      udpAddr(t, offererAddr),
			Destination: udpAddr(t, answererAddr),
			Contents:    b,
		})
	}

	assert.ErrorIs(t, r.HandleInput(in(nil)), ErrUnknownDatagram)
	assert.ErrorIs(t, r.HandleInput(in([]byte{200, 1, 2})), ErrUnknownDatagram)
	assert.ErrorIs(t, r.HandleInput(in([]byte{64, 0})), ErrUnknownDatagram)

	// dtls records and undecodable stun are dropped, not fatal.
	assert.NoError(t, r.HandleInput(in([]byte{22, 254, 253, 0})))
	assert.NoError(t, r.HandleInput(in([]byte{0, 1, 0})))
	// media before negotiation is dropped.
	assert.NoError(t, r.HandleInput(in([]byte{0x80, 96, 0, 1})))
	assert.Equal(t, uint64(1), r.dtlsRx)
}

func TestHandleInputRejectsNonUDP(t *testing.T) {
	r := buildEngine(t, h264Only(), answererAddr)
	err := r.HandleInput(ReceiveInput(testStart, Receive{
		Proto:    ProtocolUDP,
		Source:   &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1},
		Contents: []byte{0},
	}))
	assert.Error(t, err)
}

func TestMalformedRTPDropped(t *testing.T) {
	_, a, now := connectedPair(t)
	err := a.rtc.HandleInput(ReceiveInput(now, Receive{
		Proto:       ProtocolUDP,
		Source:      udpAddr(t, offererAddr),
		Destination: udpAddr(t, answererAddr),
		Contents:    []byte{0x80, 96, 0},
	}))
	assert.NoError(t, err)
}

func TestIdleTimeout(t *testing.T) {
	r := buildEngine(t, h264Only(), "")
	o, err := r.PollOutput()
	require.NoError(t, err)
	assert.Equal(t, Timeout{At: testStart.Add(time.Second)}, o)
}

func TestCheckingTimeout(t *testing.T) {
	offerer := buildEngine(t, h264Only(), offererAddr)
	answerer := &peer{rtc: buildEngine(t, h264Only().SetICECheckingTimeout(time.Second), answererAddr)}

	api := offerer.SdpAPI()
	api.AddMedia(MediaKindVideo, DirectionSendRecv)
	offer, _, err := api.Apply()
	require.NoError(t, err)
	_, err = answerer.rtc.SdpAPI().AcceptOffer(offer)
	require.NoError(t, err)

	require.NoError(t, answerer.rtc.HandleInput(TimeoutInput(testStart.Add(2*time.Second))))
	answerer.drain(t)
	assert.True(t, answerer.has(IsDisconnected))
}

func TestPeerStats(t *testing.T) {
	offerer := buildEngine(t, h264Only(), offererAddr)
	answerer := &peer{rtc: buildEngine(t, h264Only().SetStatsInterval(time.Second), answererAddr)}

	api := offerer.SdpAPI()
	api.AddMedia(MediaKindVideo, DirectionSendRecv)
	offer, _, err := api.Apply()
	require.NoError(t, err)
	_, err = answerer.rtc.SdpAPI().AcceptOffer(offer)
	require.NoError(t, err)

	o, err := answerer.rtc.PollOutput()
	require.NoError(t, err)
	_, isEvent := o.(MediaAdded)
	require.True(t, isEvent)

	require.NoError(t, answerer.rtc.HandleInput(TimeoutInput(testStart.Add(time.Second))))
	answerer.drain(t)

	var stats []PeerStats
	for _, ev := range answerer.events {
		if s, ok := ev.(PeerStats); ok {
			stats = append(stats, s)
		}
	}
	require.Len(t, stats, 1)
	assert.Equal(t, IceChecking, stats[0].State)
	assert.GreaterOrEqual(t, stats[0].PacketsTx, uint64(1))
	assert.Equal(t, testStart.Add(time.Second), stats[0].At)
}

func TestAnswerKeepsOfferPayloadType(t *testing.T) {
	offerer := buildEngine(t, NewConfig().ClearCodecs().EnableVP8(true), offererAddr)
	answerer := &peer{rtc: buildEngine(t, NewConfig(), answererAddr)}

	api := offerer.SdpAPI()
	api.AddMedia(MediaKindVideo, DirectionSendOnly)
	offer, _, err := api.Apply()
	require.NoError(t, err)

	answer, err := answerer.rtc.SdpAPI().AcceptOffer(offer)
	require.NoError(t, err)
	assert.Equal(t, SDPTypeAnswer, answer.Type)
	assert.Contains(t, answer.SDP, "a=rtpmap:97 VP8/90000")
	assert.Contains(t, answer.SDP, "a=recvonly")
	assert.Contains(t, answer.SDP, "a=setup:active")
	assert.NotContains(t, answer.SDP, "H264")

	answerer.drain(t)
	assert.True(t, answerer.has(func(ev Event) bool {
		m, ok := ev.(MediaAdded)
		return ok && m.Codec.Name == "VP8" && m.Direction == DirectionRecvOnly
	}))
}

func TestAnswerRejectsIncompatibleLine(t *testing.T) {
	offerer := &peer{rtc: buildEngine(t, NewConfig(), offererAddr)}
	answerer := buildEngine(t, h264Only(), answererAddr)

	api := offerer.rtc.SdpAPI()
	assert.Equal(t, "0", api.AddMedia(MediaKindVideo, DirectionSendRecv))
	assert.Equal(t, "1", api.AddMedia(MediaKindAudio, DirectionSendRecv))
	offer, pending, err := api.Apply()
	require.NoError(t, err)
	assert.Contains(t, offer.SDP, "a=group:BUNDLE 0 1")
	assert.Contains(t, offer.SDP, "a=setup:actpass")

	answer, err := answerer.SdpAPI().AcceptOffer(offer)
	require.NoError(t, err)
	assert.Contains(t, answer.SDP, "m=audio 0 ")
	assert.Contains(t, answer.SDP, "a=group:BUNDLE 0\r\n")

	require.NoError(t, offerer.rtc.SdpAPI().AcceptAnswer(pending, answer))
	offerer.drain(t)
	added := 0
	for _, ev := range offerer.events {
		if _, ok := ev.(MediaAdded); ok {
			added++
		}
	}
	assert.Equal(t, 1, added)
}

func TestNegotiationErrors(t *testing.T) {
	t.Run("no compatible media", func(t *testing.T) {
		offerer := buildEngine(t, NewConfig().ClearCodecs().EnableOpus(true), offererAddr)
		answerer := buildEngine(t, h264Only(), answererAddr)
		api := offerer.SdpAPI()
		api.AddMedia(MediaKindAudio, DirectionSendRecv)
		offer, _, err := api.Apply()
		require.NoError(t, err)
		_, err = answerer.SdpAPI().AcceptOffer(offer)
		assert.ErrorIs(t, err, ErrNoCompatibleMedia)
	})

	t.Run("no codec for kind", func(t *testing.T) {
		r := buildEngine(t, h264Only(), offererAddr)
		api := r.SdpAPI()
		api.AddMedia(MediaKindAudio, DirectionSendRecv)
		_, _, err := api.Apply()
		assert.ErrorIs(t, err, ErrNoCodec)
	})

	t.Run("no local candidate", func(t *testing.T) {
		r := buildEngine(t, h264Only(), "")
		api := r.SdpAPI()
		api.AddMedia(MediaKindVideo, DirectionSendRecv)
		_, _, err := api.Apply()
		assert.ErrorIs(t, err, ErrNoLocalCandidates)

		_, err = r.SdpAPI().AcceptOffer(SessionDescription{Type: SDPTypeOffer, SDP: "v=0"})
		assert.ErrorIs(t, err, ErrNoLocalCandidates)
	})

	t.Run("no changes", func(t *testing.T) {
		r := buildEngine(t, h264Only(), offererAddr)
		_, _, err := r.SdpAPI().Apply()
		assert.ErrorIs(t, err, ErrNoChanges)
	})

	t.Run("offer outstanding", func(t *testing.T) {
		r := buildEngine(t, h264Only(), offererAddr)
		api := r.SdpAPI()
		api.AddMedia(MediaKindVideo, DirectionSendRecv)
		_, _, err := api.Apply()
		require.NoError(t, err)

		again := r.SdpAPI()
		again.AddMedia(MediaKindVideo, DirectionSendRecv)
		_, _, err = again.Apply()
		assert.ErrorIs(t, err, ErrOfferOutstanding)
	})

	t.Run("malformed offer", func(t *testing.T) {
		r := buildEngine(t, h264Only(), answererAddr)
		_, err := r.SdpAPI().AcceptOffer(SessionDescription{Type: SDPTypeOffer, SDP: "not sdp"})
		assert.ErrorIs(t, err, ErrMalformedSDP)
	})

	t.Run("wrong type", func(t *testing.T) {
		r := buildEngine(t, h264Only(), answererAddr)
		_, err := r.SdpAPI().AcceptOffer(SessionDescription{Type: SDPTypeAnswer})
		assert.ErrorIs(t, err, ErrWrongSDPType)
	})

	t.Run("pending spent by rejected answer", func(t *testing.T) {
		r := buildEngine(t, h264Only(), offererAddr)
		api := r.SdpAPI()
		api.AddMedia(MediaKindVideo, DirectionSendRecv)
		_, pending, err := api.Apply()
		require.NoError(t, err)

		err = r.SdpAPI().AcceptAnswer(pending, SessionDescription{Type: SDPTypeOffer})
		assert.ErrorIs(t, err, ErrWrongSDPType)
		err = r.SdpAPI().AcceptAnswer(pending, SessionDescription{Type: SDPTypeAnswer})
		assert.ErrorIs(t, err, ErrPendingMismatch)
		assert.ErrorIs(t, r.SdpAPI().AcceptAnswer(nil, SessionDescription{}), ErrPendingMismatch)
	})

	t.Run("renegotiation", func(t *testing.T) {
		o, _, _ := connectedPair(t)
		api := o.rtc.SdpAPI()
		api.AddMedia(MediaKindVideo, DirectionSendRecv)
		_, _, err := api.Apply()
		assert.ErrorIs(t, err, ErrRenegotiation)
	})
}

func TestOfferAdvertisesCandidateAndFingerprint(t *testing.T) {
	r := buildEngine(t, h264Only(), offererAddr)
	api := r.SdpAPI()
	api.AddMedia(MediaKindVideo, DirectionSendRecv)
	offer, _, err := api.Apply()
	require.NoError(t, err)

	assert.Equal(t, SDPTypeOffer, offer.Type)
	assert.Contains(t, offer.SDP, "m=video 9 UDP/TLS/RTP/SAVPF 96")
	assert.Contains(t, offer.SDP, "a=fingerprint:sha-256 ")
	assert.Contains(t, offer.SDP, "a=ice-ufrag:"+r.ice.localUfrag)
	assert.Contains(t, offer.SDP, "a=rtcp-mux")
	assert.Contains(t, offer.SDP, "a=end-of-candidates")
	assert.True(t, strings.Contains(offer.SDP, "10.0.0.1 5000 typ host"), offer.SDP)
}
