package rtc

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/pion/logging"
	"github.com/pion/randutil"
	"github.com/pion/stun/v3"
)

const (
	iceCredentialRunes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	iceUfragLength     = 16
	icePwdLength       = 32

	// checkInterval 은 성공한 쌍이 없을 때의 검사 간격입니다.
	checkInterval = 50 * time.Millisecond
	// maxKeepaliveInterval 은 선택된 쌍의 consent 검사 최대 간격입니다.
	maxKeepaliveInterval = 2 * time.Second
	// transactionTimeout 이 지나도록 응답 없는 검사는 트랜잭션 표에서 지웁니다.
	transactionTimeout = 3 * time.Second

	prflxPriority = uint32(110)<<24 | uint32(65535)<<8 | uint32(255)
)

type pairState int

const (
	pairWaiting pairState = iota
	pairInProgress
	pairSucceeded
)

type candidatePair struct {
	local  Candidate
	remote Candidate
	state  pairState
}

type transaction struct {
	pair   *candidatePair
	sentAt time.Time
}

// iceAgent 는 host 와 peer reflexive 후보로 ICE 연결 검사를 수행합니다.
// 소켓은 건드리지 않고 데이터그램은 emit 으로 내보냅니다.
type iceAgent struct {
	log  logging.LeveledLogger
	emit func(Output)

	localUfrag  string
	localPwd    string
	remoteUfrag string
	remotePwd   string
	controlling bool
	tieBreaker  uint64

	locals  []Candidate
	remotes []Candidate
	pairs   []*candidatePair
	next    int

	state        IceConnectionState
	everUp       bool
	selected     *candidatePair
	transactions map[[stun.TransactionIDSize]byte]transaction

	nextCheck     time.Time
	checkingSince time.Time
	lastActivity  time.Time

	disconnectTimeout time.Duration
	checkingTimeout   time.Duration
}

func newICEAgent(log logging.LeveledLogger, emit func(Output), disconnect, checking time.Duration) (*iceAgent, error) {
	ufrag, err := randutil.GenerateCryptoRandomString(iceUfragLength, iceCredentialRunes)
	if err != nil {
		return nil, fmt.Errorf("rtc: generate ice ufrag: %w", err)
	}
	pwd, err := randutil.GenerateCryptoRandomString(icePwdLength, iceCredentialRunes)
	if err != nil {
		return nil, fmt.Errorf("rtc: generate ice pwd: %w", err)
	}
	tie, err := randutil.CryptoUint64()
	if err != nil {
		return nil, fmt.Errorf("rtc: generate tie breaker: %w", err)
	}
	return &iceAgent{
		log:               log,
		emit:              emit,
		localUfrag:        ufrag,
		localPwd:          pwd,
		tieBreaker:        tie,
		transactions:      make(map[[stun.TransactionIDSize]byte]transaction),
		disconnectTimeout: disconnect,
		checkingTimeout:   checking,
	}, nil
}

func (a *iceAgent) addLocal(c Candidate) bool {
	for _, existing := range a.locals {
		if existing.sameAddr(c.addr) {
			return false
		}
	}
	a.locals = append(a.locals, c)
	for _, r := range a.remotes {
		a.addPair(c, r)
	}
	return true
}

func (a *iceAgent) addRemote(c Candidate) *candidatePair {
	for _, existing := range a.remotes {
		if existing.sameAddr(c.addr) {
			return a.pairFor(existing.addr)
		}
	}
	a.remotes = append(a.remotes, c)
	var last *candidatePair
	for _, l := range a.locals {
		last = a.addPair(l, c)
	}
	return last
}

func (a *iceAgent) addPair(l, r Candidate) *candidatePair {
	p := &candidatePair{local: l, remote: r}
	a.pairs = append(a.pairs, p)
	return p
}

func (a *iceAgent) pairFor(remote *net.UDPAddr) *candidatePair {
	for _, p := range a.pairs {
		if p.remote.sameAddr(remote) {
			return p
		}
	}
	return nil
}

func (a *iceAgent) setRemoteCredentials(ufrag, pwd string, controlling bool) {
	a.remoteUfrag = ufrag
	a.remotePwd = pwd
	a.controlling = controlling
}

// start 는 양쪽 자격 증명이 정해지면 checking 으로 넘어갑니다.
func (a *iceAgent) start(now time.Time) {
	if a.state != IceNew || a.remoteUfrag == "" {
		return
	}
	a.checkingSince = now
	a.nextCheck = now
	a.setState(IceChecking)
}

func (a *iceAgent) setState(s IceConnectionState) {
	if a.state == s || a.state == IceDisconnected {
		return
	}
	a.log.Debugf("ice state %s -> %s", a.state, s)
	a.state = s
	a.emit(IceConnectionStateChange{State: s})
	if s == IceConnected && !a.everUp {
		a.everUp = true
		a.emit(Connected{})
	}
}

func (a *iceAgent) keepaliveInterval() time.Duration {
	if d := a.disconnectTimeout / 3; d < maxKeepaliveInterval {
		return d
	}
	return maxKeepaliveInterval
}

func (a *iceAgent) nextTimeout() (time.Time, bool) {
	switch a.state {
	case IceChecking:
		deadline := a.checkingSince.Add(a.checkingTimeout)
		if a.nextCheck.Before(deadline) {
			return a.nextCheck, true
		}
		return deadline, true
	case IceConnected:
		deadline := a.lastActivity.Add(a.disconnectTimeout)
		if a.nextCheck.Before(deadline) {
			return a.nextCheck, true
		}
		return deadline, true
	default:
		return time.Time{}, false
	}
}

func (a *iceAgent) handleTimeout(now time.Time) error {
	for id, tx := range a.transactions {
		if now.Sub(tx.sentAt) >= transactionTimeout {
			if tx.pair.state == pairInProgress {
				tx.pair.state = pairWaiting
			}
			delete(a.transactions, id)
		}
	}

	switch a.state {
	case IceChecking:
		if now.Sub(a.checkingSince) >= a.checkingTimeout {
			a.log.Warnf("no candidate pair succeeded within %s", a.checkingTimeout)
			a.setState(IceDisconnected)
			return nil
		}
		if now.Before(a.nextCheck) {
			return nil
		}
		a.nextCheck = now.Add(checkInterval)
		if p := a.nextPairToCheck(); p != nil {
			return a.sendCheck(now, p)
		}
	case IceConnected:
		if now.Sub(a.lastActivity) >= a.disconnectTimeout {
			a.log.Infof("no traffic for %s, disconnecting", a.disconnectTimeout)
			a.setState(IceDisconnected)
			return nil
		}
		if now.Before(a.nextCheck) {
			return nil
		}
		a.nextCheck = now.Add(a.keepaliveInterval())
		return a.sendCheck(now, a.selected)
	}
	return nil
}

// nextPairToCheck 는 성공한 쌍을 건너뛰며 라운드 로빈으로 돕니다.
func (a *iceAgent) nextPairToCheck() *candidatePair {
	for i := 0; i < len(a.pairs); i++ {
		p := a.pairs[(a.next+i)%len(a.pairs)]
		if p.state != pairSucceeded {
			a.next = (a.next + i + 1) % len(a.pairs)
			return p
		}
	}
	return nil
}

type rawAttribute struct {
	t stun.AttrType
	v []byte
}

func (r rawAttribute) AddTo(m *stun.Message) error {
	m.Add(r.t, r.v)
	return nil
}

func (a *iceAgent) sendCheck(now time.Time, p *candidatePair) error {
	prio := make([]byte, 4)
	binary.BigEndian.PutUint32(prio, prflxPriority)
	tie := make([]byte, 8)
	binary.BigEndian.PutUint64(tie, a.tieBreaker)
	role := rawAttribute{t: stun.AttrICEControlled, v: tie}
	if a.controlling {
		role.t = stun.AttrICEControlling
	}

	m, err := stun.Build(
		stun.TransactionID,
		stun.BindingRequest,
		stun.NewUsername(a.remoteUfrag+":"+a.localUfrag),
		rawAttribute{t: stun.AttrPriority, v: prio},
		role,
		stun.NewShortTermIntegrity(a.remotePwd),
		stun.Fingerprint,
	)
	if err != nil {
		return fmt.Errorf("rtc: build binding request: %w", err)
	}
	a.transactions[m.TransactionID] = transaction{pair: p, sentAt: now}
	if p.state == pairWaiting {
		p.state = pairInProgress
	}
	a.emit(&Transmit{
		Proto:       ProtocolUDP,
		Source:      p.local.addr,
		Destination: p.remote.addr,
		Contents:    m.Raw,
	})
	return nil
}

func (a *iceAgent) handleSTUN(now time.Time, src *net.UDPAddr, raw []byte) error {
	m := &stun.Message{Raw: append([]byte(nil), raw...)}
	if err := m.Decode(); err != nil {
		a.log.Debugf("dropping undecodable stun message from %s: %v", src, err)
		return nil
	}
	switch m.Type {
	case stun.BindingRequest:
		return a.handleRequest(now, src, m)
	case stun.BindingSuccess:
		a.handleSuccess(now, m)
	default:
		a.log.Debugf("ignoring stun %s from %s", m.Type, src)
	}
	return nil
}

func (a *iceAgent) handleRequest(now time.Time, src *net.UDPAddr, m *stun.Message) error {
	if a.remoteUfrag == "" || len(a.locals) == 0 || a.state == IceDisconnected {
		a.log.Debugf("binding request from %s before negotiation completed", src)
		return nil
	}
	var user stun.Username
	if err := user.GetFrom(m); err != nil || user.String() != a.localUfrag+":"+a.remoteUfrag {
		a.log.Debugf("binding request from %s with unexpected username", src)
		return nil
	}
	if err := stun.NewShortTermIntegrity(a.localPwd).Check(m); err != nil {
		a.log.Debugf("binding request from %s failed integrity: %v", src, err)
		return nil
	}
	if err := stun.Fingerprint.Check(m); err != nil {
		a.log.Debugf("binding request from %s failed fingerprint: %v", src, err)
		return nil
	}

	a.lastActivity = now
	p := a.pairFor(src)
	if p == nil {
		a.log.Debugf("peer reflexive candidate %s", src)
		p = a.addRemote(peerReflexive(&net.UDPAddr{IP: src.IP, Port: src.Port}))
	}

	resp, err := stun.Build(
		stun.NewTransactionIDSetter(m.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: src.IP, Port: src.Port},
		stun.NewShortTermIntegrity(a.localPwd),
		stun.Fingerprint,
	)
	if err != nil {
		return fmt.Errorf("rtc: build binding response: %w", err)
	}
	a.emit(&Transmit{
		Proto:       ProtocolUDP,
		Source:      p.local.addr,
		Destination: &net.UDPAddr{IP: src.IP, Port: src.Port},
		Contents:    resp.Raw,
	})

	// triggered check: 역방향도 간격을 기다리지 않고 바로 검사합니다.
	if a.state == IceChecking && p.state == pairWaiting {
		return a.sendCheck(now, p)
	}
	return nil
}

func (a *iceAgent) handleSuccess(now time.Time, m *stun.Message) {
	tx, ok := a.transactions[m.TransactionID]
	if !ok {
		return
	}
	if err := stun.NewShortTermIntegrity(a.remotePwd).Check(m); err != nil {
		a.log.Debugf("binding response failed integrity: %v", err)
		return
	}
	delete(a.transactions, m.TransactionID)

	tx.pair.state = pairSucceeded
	a.lastActivity = now
	if a.selected == nil {
		a.selected = tx.pair
		a.log.Infof("selected pair %s -> %s", tx.pair.local.addr, tx.pair.remote.addr)
	}
	if a.state == IceChecking {
		a.nextCheck = now.Add(a.keepaliveInterval())
		a.setState(IceConnected)
	}
}

// touch 는 수신 미디어를 생존 신호로 기록합니다.
func (a *iceAgent) touch(now time.Time) {
	if a.state == IceConnected {
		a.lastActivity = now
	}
}
