// Package session 은 단일 P2P 세션의 생명주기를 다룹니다.
//
// Session 은 전송 엔진, 역할(offerer/answerer), 대기 중인 offer 토큰, 로컬 후보 주소,
// 세션 전용 UDP 소켓을 함께 소유합니다. 협상(negotiation.go)으로 Negotiated 상태가 된
// 세션만 Driver(driver.go)로 구동할 수 있고, 여러 세션의 동시 실행은 Supervisor 가 담당합니다.
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"

	"github.com/dalbodeule/hop-call/internal/config"
	"github.com/dalbodeule/hop-call/internal/logging"
	"github.com/dalbodeule/hop-call/internal/observability"
	"github.com/dalbodeule/hop-call/internal/rtc"
)

// Role 은 세션의 협상 역할입니다. 생성 시 정해지고 바뀌지 않습니다.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// 세션 상태 이름.
const (
	StateIdle         = "idle"
	StateOfferPending = "offer_pending"
	StateAnswerReady  = "answer_ready"
	StateNegotiated   = "negotiated"
	StateRunning      = "running"
	StateDisconnected = "disconnected"
	StateFailed       = "failed"
	StateClosed       = "closed"
)

const (
	eventCreateOffer  = "create_offer"
	eventAcceptOffer  = "accept_offer"
	eventAcceptAnswer = "accept_answer"
	eventAnswerSent   = "answer_sent"
	eventStart        = "start"
	eventDisconnect   = "disconnect"
	eventFail         = "fail"
	eventClose        = "close"
)

// Options 는 New 에 전달하는 세션 생성 옵션입니다.
type Options struct {
	Role Role
	// Port 는 바인드할 UDP 포트입니다. 0 이면 임시 포트를 사용합니다.
	Port int
	// Net 은 소켓을 여는 네트워크입니다. nil 이면 stdnet 을 사용합니다.
	Net    transport.Net
	RTC    config.RTCConfig
	Logger logging.Logger
	// Now 는 테스트용 시계입니다. nil 이면 time.Now.
	Now func() time.Time
	// Observer 는 드라이버가 관찰한 엔진 이벤트를 받습니다. (선택)
	Observer Observer
}

// Session 은 하나의 offer/answer 협상과 그 결과로 만들어진 연결을 나타냅니다.
type Session struct {
	id       string
	role     Role
	log      logging.Logger
	now      func() time.Time
	observer Observer

	mu        sync.Mutex
	fsm       *fsm.FSM
	engine    *rtc.Rtc
	pending   *rtc.PendingOffer
	localAddr *net.UDPAddr
	conn      transport.UDPConn

	closeOnce sync.Once
	closeErr  error
}

// New 는 0.0.0.0:Port 에 UDP 소켓을 바인드하고 H.264 단일 코덱으로 구성된 엔진을 만듭니다.
func New(opts Options) (*Session, error) {
	switch opts.Role {
	case RoleOfferer, RoleAnswerer:
	default:
		return nil, fmt.Errorf("session: unknown role %q", opts.Role)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	base := opts.Logger
	if base == nil {
		base = logging.Nop()
	}

	id := uuid.NewString()
	log := base.With(logging.Fields{"session_id": id, "role": string(opts.Role)})

	n := opts.Net
	if n == nil {
		std, err := stdnet.NewNet()
		if err != nil {
			return nil, &IOError{Op: "bind", Err: err}
		}
		n = std
	}
	conn, err := n.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: opts.Port})
	if err != nil {
		return nil, &IOError{Op: "bind", Err: err}
	}
	tuneSocket(conn, log)

	engine, err := engineConfig(opts.RTC, log).Build(now())
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("session: build engine: %w", err)
	}

	s := &Session{
		id:       id,
		role:     opts.Role,
		log:      log,
		now:      now,
		observer: opts.Observer,
		engine:   engine,
		conn:     conn,
	}
	s.fsm = newStateMachine(log)
	log.Debug("session created", logging.Fields{"local_addr": conn.LocalAddr().String()})
	return s, nil
}

// engineConfig 는 하드웨어 친화적인 H.264 만 켜고 재정렬 버퍼를 최소(1)로 둔 엔진 설정을 만듭니다.
func engineConfig(cfg config.RTCConfig, log logging.Logger) *rtc.Config {
	c := rtc.NewConfig().
		ClearCodecs().
		EnableH264(true).
		SetReorderingSizeVideo(1).
		SetReorderingSizeAudio(1).
		SetStatsInterval(cfg.StatsInterval).
		SetLoggerFactory(logging.NewPionLoggerFactory(log))
	if cfg.ICEDisconnectTimeout > 0 {
		c.SetICEDisconnectTimeout(cfg.ICEDisconnectTimeout)
	}
	return c
}

func newStateMachine(log logging.Logger) *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventCreateOffer, Src: []string{StateIdle}, Dst: StateOfferPending},
			{Name: eventAcceptOffer, Src: []string{StateIdle}, Dst: StateAnswerReady},
			{Name: eventAcceptAnswer, Src: []string{StateOfferPending}, Dst: StateNegotiated},
			{Name: eventAnswerSent, Src: []string{StateAnswerReady}, Dst: StateNegotiated},
			{Name: eventStart, Src: []string{StateNegotiated}, Dst: StateRunning},
			{Name: eventDisconnect, Src: []string{StateRunning}, Dst: StateDisconnected},
			{Name: eventFail, Src: []string{StateRunning}, Dst: StateFailed},
			{Name: eventClose, Src: []string{StateIdle, StateOfferPending, StateAnswerReady, StateNegotiated}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				log.Debug("session state changed", logging.Fields{
					"event": e.Event,
					"from":  e.Src,
					"to":    e.Dst,
				})
			},
		},
	)
}

// ID 는 로그 상관관계용 세션 식별자입니다.
func (s *Session) ID() string { return s.id }

// Role 은 세션 역할을 반환합니다.
func (s *Session) Role() Role { return s.role }

// State 는 현재 상태 이름을 반환합니다.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.Current()
}

// LocalAddr 는 AddLocalCandidate 로 등록한 후보 주소입니다. 등록 전에는 nil.
func (s *Session) LocalAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localAddr
}

// SocketAddr 는 바인드된 소켓 주소입니다.
func (s *Session) SocketAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Logger 는 session_id/role 필드가 붙은 세션 로거입니다.
func (s *Session) Logger() logging.Logger { return s.log }

func (s *Session) fire(event string) error {
	if err := s.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("%w: %s in state %s: %v", ErrInvalidState, event, s.fsm.Current(), err)
	}
	return nil
}

// Run 은 Negotiated(또는 answer 를 막 만든 AnswerReady) 세션을 Driver 로 구동합니다.
// Disconnected 로 끝나면 nil 을, 치명적 I/O 오류면 그 오류를 반환합니다.
// 어떤 경로로 끝나든 소켓은 반환 전에 닫힙니다.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.fsm.Is(StateAnswerReady) {
		_ = s.fire(eventAnswerSent)
	}
	if err := s.fire(eventStart); err != nil {
		s.mu.Unlock()
		return &NegotiationError{Op: "run", Err: err}
	}
	engine := s.engine
	s.mu.Unlock()
	defer s.release()

	role := string(s.role)
	observability.SessionsStartedTotal.WithLabelValues(role).Inc()
	observability.SessionsActive.Inc()
	defer observability.SessionsActive.Dec()

	s.log.Info("session driver started", logging.Fields{"socket": s.conn.LocalAddr().String()})
	d := NewDriver(engine, s.conn, s.log, s.now)
	d.SetObserver(s.observer)
	err := d.Run(ctx)

	s.mu.Lock()
	if err != nil {
		_ = s.fire(eventFail)
		observability.SessionsFinishedTotal.WithLabelValues(role, "error").Inc()
	} else {
		_ = s.fire(eventDisconnect)
		observability.SessionsFinishedTotal.WithLabelValues(role, "disconnected").Inc()
	}
	s.mu.Unlock()
	return err
}

// Close 는 실행되지 않은 세션(협상 실패, 만료된 offer 등)을 정리합니다.
// 실행을 마친 세션에 대해서는 아무것도 하지 않습니다.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.fsm.Can(eventClose) {
		_ = s.fire(eventClose)
	}
	s.mu.Unlock()
	return s.release()
}

func (s *Session) release() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
	})
	return s.closeErr
}

func (s *Session) closed() bool {
	switch s.fsm.Current() {
	case StateClosed, StateDisconnected, StateFailed:
		return true
	}
	return false
}
