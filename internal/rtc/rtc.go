// Package rtc 는 sans-IO WebRTC 전송 엔진입니다.
//
// 엔진은 시계를 읽거나 소켓을 건드리지 않습니다. 호출자는 PollOutput 으로 할 일
// (기다릴 Timeout, 보낼 *Transmit, Event) 을 꺼내고, HandleInput 으로 시간과
// 수신 데이터그램을 넣습니다. Rtc 는 한 고루틴에서만 사용해야 합니다.
package rtc

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/logging"
	"github.com/pion/randutil"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/dalbodeule/hop-call/internal/dtls"
)

// idleTimeout 은 걸린 타이머가 없을 때의 깨어나는 간격입니다.
const idleTimeout = time.Second

// ErrDisconnected 는 Disconnected 이벤트를 꺼낸 뒤의 PollOutput 이 반환합니다.
var ErrDisconnected = errors.New("rtc: engine disconnected")

// Rtc 는 피어 연결 하나입니다.
type Rtc struct {
	cfg      *Config
	log      logging.LeveledLogger
	identity *dtls.Identity
	ice      *iceAgent

	sessionID uint64
	version   uint64
	ssrc      uint32

	now        time.Time
	queue      []Output
	pending    *PendingOffer
	negotiated bool
	medias     []*media
	byPT       map[uint8]*media

	nextStats            time.Time
	packetsRx, packetsTx uint64
	bytesRx, bytesTx     uint64
	dtlsRx               uint64
}

// Build 는 설정으로 엔진을 만듭니다. now 가 엔진 시계의 시작값입니다.
func (c *Config) Build(now time.Time) (*Rtc, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	factory := c.loggerFactory
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}

	identity, err := dtls.NewIdentity()
	if err != nil {
		return nil, fmt.Errorf("rtc: %w", err)
	}
	sessionID, err := randutil.CryptoUint64()
	if err != nil {
		return nil, fmt.Errorf("rtc: generate session id: %w", err)
	}
	ssrc, err := randutil.CryptoUint64()
	if err != nil {
		return nil, fmt.Errorf("rtc: generate ssrc: %w", err)
	}

	r := &Rtc{
		cfg:      c,
		log:      factory.NewLogger("rtc"),
		identity: identity,
		// SDP 세션 id 는 부호 있는 63비트 정수여야 합니다.
		sessionID: sessionID >> 1,
		ssrc:      uint32(ssrc),
		now:       now,
		byPT:      make(map[uint8]*media),
	}
	r.ice, err = newICEAgent(factory.NewLogger("ice"), r.push, c.iceDisconnectTimeout, c.iceCheckingTimeout)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// AddLocalCandidate 는 로컬 후보를 등록합니다. 중복은 무시합니다.
func (r *Rtc) AddLocalCandidate(c Candidate) error {
	if c.addr == nil || c.raw == "" {
		return fmt.Errorf("%w: local candidates must be host candidates", ErrInvalidCandidate)
	}
	if !r.ice.addLocal(c) {
		r.log.Debugf("local candidate %s already registered", c.addr)
	}
	return nil
}

// IceConnectionState 는 현재 연결 상태를 반환합니다.
func (r *Rtc) IceConnectionState() IceConnectionState {
	return r.ice.state
}

func (r *Rtc) push(o Output) {
	if t, ok := o.(*Transmit); ok {
		r.packetsTx++
		r.bytesTx += uint64(len(t.Contents))
	}
	r.queue = append(r.queue, o)
}

// PollOutput 은 다음 작업을 반환합니다. 전송과 이벤트가 Timeout 보다 먼저 나오며,
// Timeout 은 At 까지 할 일이 없다는 뜻입니다.
func (r *Rtc) PollOutput() (Output, error) {
	if len(r.queue) > 0 {
		o := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		return o, nil
	}
	if r.ice.state == IceDisconnected {
		return nil, ErrDisconnected
	}

	at := r.now.Add(idleTimeout)
	if t, ok := r.ice.nextTimeout(); ok && t.Before(at) {
		at = t
	}
	if !r.nextStats.IsZero() && r.nextStats.Before(at) {
		at = r.nextStats
	}
	return Timeout{At: at}, nil
}

// HandleInput 은 엔진 시계를 진행하고 수신 데이터그램이 있으면 처리합니다.
// STUN/DTLS/RTP/RTCP 가 아닌 내용은 ErrUnknownDatagram 으로 거부합니다.
func (r *Rtc) HandleInput(in Input) error {
	if in.Now.After(r.now) {
		r.now = in.Now
	}
	if in.Receive == nil {
		return r.handleTimeout(r.now)
	}
	return r.handleReceive(r.now, in.Receive)
}

func (r *Rtc) handleTimeout(now time.Time) error {
	if r.ice.state == IceDisconnected {
		return nil
	}
	if err := r.ice.handleTimeout(now); err != nil {
		return err
	}
	if !r.nextStats.IsZero() && !now.Before(r.nextStats) {
		r.push(r.stats(now))
		r.nextStats = now.Add(r.cfg.statsInterval)
	}
	return nil
}

func (r *Rtc) stats(now time.Time) PeerStats {
	return PeerStats{
		At:        now,
		State:     r.ice.state,
		PacketsRx: r.packetsRx,
		PacketsTx: r.packetsTx,
		BytesRx:   r.bytesRx,
		BytesTx:   r.bytesTx,
	}
}

func (r *Rtc) handleReceive(now time.Time, rcv *Receive) error {
	if rcv.Proto != ProtocolUDP {
		return fmt.Errorf("rtc: unsupported protocol %q", rcv.Proto)
	}
	src, ok := rcv.Source.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("rtc: source %v is not a udp address", rcv.Source)
	}
	b := rcv.Contents
	if len(b) == 0 {
		return fmt.Errorf("%w: empty datagram from %s", ErrUnknownDatagram, src)
	}
	r.packetsRx++
	r.bytesRx += uint64(len(b))

	// 첫 바이트로 RFC 7983 역다중화
	switch first := b[0]; {
	case first <= 3:
		return r.ice.handleSTUN(now, src, b)
	case first >= 20 && first <= 63:
		r.dtlsRx++
		r.log.Tracef("ignoring dtls record from %s", src)
		return nil
	case first >= 128 && first <= 191:
		if !r.negotiated || r.ice.state == IceDisconnected {
			r.log.Debugf("dropping media from %s before negotiation", src)
			return nil
		}
		if len(b) >= 2 && b[1] >= 192 && b[1] <= 223 {
			r.handleRTCP(now, src, b)
		} else {
			r.handleRTP(now, src, b)
		}
		return nil
	default:
		return fmt.Errorf("%w: first byte %d from %s", ErrUnknownDatagram, first, src)
	}
}

func (r *Rtc) handleRTP(now time.Time, src *net.UDPAddr, b []byte) {
	p := &rtp.Packet{}
	if err := p.Unmarshal(append([]byte(nil), b...)); err != nil {
		r.log.Debugf("dropping malformed rtp from %s: %v", src, err)
		return
	}
	m, ok := r.byPT[p.PayloadType]
	if !ok {
		r.log.Debugf("dropping rtp with unnegotiated payload type %d", p.PayloadType)
		return
	}
	r.ice.touch(now)
	for _, released := range m.reorder.push(p) {
		r.push(m.data(released))
	}
}

func (r *Rtc) handleRTCP(now time.Time, src *net.UDPAddr, b []byte) {
	pkts, err := rtcp.Unmarshal(append([]byte(nil), b...))
	if err != nil {
		r.log.Debugf("dropping malformed rtcp from %s: %v", src, err)
		return
	}
	r.ice.touch(now)
	for _, pkt := range pkts {
		if bye, ok := pkt.(*rtcp.Goodbye); ok {
			r.log.Infof("peer sent goodbye for %v: %s", bye.Sources, bye.Reason)
			r.ice.setState(IceDisconnected)
			return
		}
	}
}

// Disconnect 는 연결을 끊습니다. 연결된 상태면 RTCP BYE 로 상대에게 알리고,
// 이어서 PollOutput 에서 Disconnected 이벤트가 나옵니다.
func (r *Rtc) Disconnect(now time.Time) error {
	if now.After(r.now) {
		r.now = now
	}
	if r.ice.state == IceDisconnected {
		return nil
	}
	if p := r.ice.selected; p != nil {
		bye := &rtcp.Goodbye{Sources: []uint32{r.ssrc}, Reason: "disconnect"}
		raw, err := bye.Marshal()
		if err != nil {
			return fmt.Errorf("rtc: marshal goodbye: %w", err)
		}
		r.push(&Transmit{Proto: ProtocolUDP, Source: p.local.addr, Destination: p.remote.addr, Contents: raw})
	}
	r.ice.setState(IceDisconnected)
	return nil
}

func (r *Rtc) canNegotiate() error {
	switch {
	case r.ice.state == IceDisconnected:
		return ErrDisconnected
	case r.negotiated:
		return ErrRenegotiation
	case r.pending != nil:
		return ErrOfferOutstanding
	case len(r.ice.locals) == 0:
		return ErrNoLocalCandidates
	}
	return nil
}

func (r *Rtc) localDescription(setup string, medias []mediaLine) *description {
	algo, value, err := r.identity.Fingerprint()
	if err != nil {
		// NewIdentity 는 알려진 해시만 쓰므로 여기서 Fingerprint 는 실패하지 않습니다.
		r.log.Errorf("fingerprint: %v", err)
	}
	return &description{
		ufrag:       r.ice.localUfrag,
		pwd:         r.ice.localPwd,
		fpAlgorithm: algo,
		fpValue:     value,
		setup:       setup,
		candidates:  r.ice.locals,
		medias:      medias,
	}
}

func (r *Rtc) newMedia(line mediaLine, codec Codec) *media {
	return &media{
		mid:       line.mid,
		kind:      line.kind,
		direction: line.direction,
		codec:     codec,
		reorder:   newReorderBuffer(r.cfg.reorderDepth(line.kind)),
	}
}

// commit 은 협상된 미디어를 적용하고 연결 검사를 시작합니다.
func (r *Rtc) commit(remote *description, accepted []*media, controlling bool) {
	r.negotiated = true
	r.medias = accepted
	for _, m := range accepted {
		r.byPT[m.codec.PayloadType] = m
		r.push(m.added())
	}
	r.ice.setRemoteCredentials(remote.ufrag, remote.pwd, controlling)
	for _, c := range remote.candidates {
		r.ice.addRemote(c)
	}
	r.ice.start(r.now)
	if r.cfg.statsInterval > 0 {
		r.nextStats = r.now.Add(r.cfg.statsInterval)
	}
	r.log.Infof("negotiated %d media lines, %d remote candidates, controlling=%t", len(accepted), len(remote.candidates), controlling)
}
