package session

import (
	"fmt"
	"net"

	"github.com/dalbodeule/hop-call/internal/logging"
	"github.com/dalbodeule/hop-call/internal/observability"
	"github.com/dalbodeule/hop-call/internal/rtc"
)

// AddLocalCandidate 는 addr 를 엔진에 UDP host 후보로 등록하고 세션의 로컬 주소로 기록합니다.
// addr.Port 가 0 이면 세션 소켓의 포트를 사용합니다. 세션당 한 번만 호출할 수 있습니다.
func (s *Session) AddLocalCandidate(addr *net.UDPAddr) (err error) {
	defer func() { observability.ObserveNegotiation("add_candidate", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed() {
		return &NegotiationError{Op: "add_candidate", Err: ErrSessionClosed}
	}
	if s.localAddr != nil {
		return &NegotiationError{Op: "add_candidate", Err: fmt.Errorf("%w: candidate %s already registered", ErrInvalidState, s.localAddr)}
	}
	if addr == nil {
		return &NegotiationError{Op: "add_candidate", Err: fmt.Errorf("%w: nil address", rtc.ErrInvalidCandidate)}
	}

	cand := &net.UDPAddr{IP: addr.IP, Port: addr.Port}
	if cand.Port == 0 {
		if udp, ok := s.conn.LocalAddr().(*net.UDPAddr); ok {
			cand.Port = udp.Port
		}
	}
	c, err := rtc.HostCandidate(cand)
	if err != nil {
		return &NegotiationError{Op: "add_candidate", Err: err}
	}
	if err := s.engine.AddLocalCandidate(c); err != nil {
		return &NegotiationError{Op: "add_candidate", Err: err}
	}
	s.localAddr = c.Addr()
	s.log.Debug("local candidate registered", logging.Fields{"candidate": c.Marshal()})
	return nil
}

// CreateOffer 는 양방향 video 미디어 라인 하나로 offer 를 만들고 offer 토큰을 보관합니다.
// 이미 대기 중인 offer 가 있으면 ErrOfferPending 으로 실패합니다.
func (s *Session) CreateOffer() (offer rtc.SessionDescription, err error) {
	defer func() { observability.ObserveNegotiation("create_offer", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkVerb(RoleOfferer, eventCreateOffer); err != nil {
		return rtc.SessionDescription{}, &NegotiationError{Op: "create_offer", Err: err}
	}

	api := s.engine.SdpAPI()
	api.AddMedia(rtc.MediaKindVideo, rtc.DirectionSendRecv)
	offer, pending, err := api.Apply()
	if err != nil {
		return rtc.SessionDescription{}, &NegotiationError{Op: "create_offer", Err: err}
	}
	if err := s.fire(eventCreateOffer); err != nil {
		return rtc.SessionDescription{}, &NegotiationError{Op: "create_offer", Err: err}
	}
	s.pending = pending
	s.log.Info("offer created", nil)
	return offer, nil
}

// AcceptOffer 는 원격 offer 에 대한 answer 를 계산합니다.
// 로컬 후보가 먼저 등록되어 있어야 합니다.
func (s *Session) AcceptOffer(offer rtc.SessionDescription) (answer rtc.SessionDescription, err error) {
	defer func() { observability.ObserveNegotiation("accept_offer", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkVerb(RoleAnswerer, eventAcceptOffer); err != nil {
		return rtc.SessionDescription{}, &NegotiationError{Op: "accept_offer", Err: err}
	}

	answer, err = s.engine.SdpAPI().AcceptOffer(offer)
	if err != nil {
		return rtc.SessionDescription{}, &NegotiationError{Op: "accept_offer", Err: err}
	}
	if err := s.fire(eventAcceptOffer); err != nil {
		return rtc.SessionDescription{}, &NegotiationError{Op: "accept_offer", Err: err}
	}
	s.log.Info("offer accepted", nil)
	return answer, nil
}

// AcceptAnswer 는 보관된 offer 토큰을 꺼내(한 번만 가능) 원격 answer 로 협상을 완료합니다.
// 엔진이 answer 를 거부해도 토큰은 소모되며, 세션은 더 이상 협상할 수 없습니다.
func (s *Session) AcceptAnswer(answer rtc.SessionDescription) (err error) {
	defer func() { observability.ObserveNegotiation("accept_answer", err) }()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed() {
		return &NegotiationError{Op: "accept_answer", Err: ErrSessionClosed}
	}
	pending := s.pending
	s.pending = nil
	if pending == nil {
		return &NegotiationError{Op: "accept_answer", Err: ErrNoPendingOffer}
	}

	if err := s.engine.SdpAPI().AcceptAnswer(pending, answer); err != nil {
		return &NegotiationError{Op: "accept_answer", Err: err}
	}
	if err := s.fire(eventAcceptAnswer); err != nil {
		return &NegotiationError{Op: "accept_answer", Err: err}
	}
	s.log.Info("answer accepted", nil)
	return nil
}

// checkVerb 는 offer 생성/수락 전 공통 조건을 검사합니다.
func (s *Session) checkVerb(role Role, event string) error {
	if s.closed() {
		return ErrSessionClosed
	}
	if event == eventCreateOffer && s.pending != nil {
		return ErrOfferPending
	}
	if s.role != role {
		return fmt.Errorf("%w: %s requires role %s, session is %s", ErrInvalidState, event, role, s.role)
	}
	if s.localAddr == nil {
		return ErrNoLocalCandidate
	}
	if !s.fsm.Can(event) {
		return fmt.Errorf("%w: %s in state %s", ErrInvalidState, event, s.fsm.Current())
	}
	return nil
}
