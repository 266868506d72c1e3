package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dalbodeule/hop-call/internal/logging"
	"github.com/dalbodeule/hop-call/internal/store"
)

// storeTimeout bounds audit writes so a slow database never holds up a session goroutine.
const storeTimeout = 5 * time.Second

// Handle 은 Supervisor 가 실행 중인 세션 하나를 기다리는 수단입니다.
type Handle struct {
	id   string
	done chan struct{}
	err  error
}

// ID 는 세션 식별자입니다.
func (h *Handle) ID() string { return h.id }

// Done 은 세션 드라이버가 반환하면 닫힙니다.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err 는 Done 이후 세션 결과를 반환합니다. 정상 disconnect 이면 nil.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait 는 세션 종료 또는 ctx 만료까지 기다립니다.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type parkedOffer struct {
	session *Session
	timer   *time.Timer
}

// Supervisor 는 세션마다 독립된 goroutine 에서 Driver 를 실행합니다.
//
// 한 세션의 실패는 로그/메트릭/감사 로그로 남기고 정리할 뿐, 다른 세션이나 프로세스를
// 종료시키지 않습니다. answer 를 기다리는 offerer 세션은 TTL 동안 Park 해 둘 수 있습니다.
type Supervisor struct {
	ctx   context.Context
	log   logging.Logger
	store store.Store
	group errgroup.Group
	limit int
	ttl   time.Duration
	now   func() time.Time

	mu     sync.Mutex
	parked map[string]*parkedOffer
}

// NewSupervisor 는 최대 maxSessions 개의 세션을 동시에 실행하는 Supervisor 를 만듭니다.
// ctx 가 취소되면 실행 중인 모든 세션이 disconnect 경로로 종료됩니다.
func NewSupervisor(ctx context.Context, log logging.Logger, st store.Store, maxSessions int, offerTTL time.Duration) *Supervisor {
	if log == nil {
		log = logging.Nop()
	}
	if st == nil {
		st = store.NopStore{}
	}
	if maxSessions <= 0 {
		maxSessions = 1
	}
	sv := &Supervisor{
		ctx:    ctx,
		log:    log.With(logging.Fields{"component": "supervisor"}),
		store:  st,
		limit:  maxSessions,
		ttl:    offerTTL,
		now:    time.Now,
		parked: make(map[string]*parkedOffer),
	}
	sv.group.SetLimit(maxSessions)
	return sv
}

// Start 는 s 를 별도 goroutine 에서 실행합니다. 상한에 도달했으면 ErrTooManySessions.
// 실패한 경우 s 의 정리는 호출자 몫입니다.
func (sv *Supervisor) Start(s *Session) (*Handle, error) {
	h := &Handle{id: s.ID(), done: make(chan struct{})}
	rec := store.SessionRecord{ID: s.ID(), Role: string(s.Role())}

	ok := sv.group.TryGo(func() error {
		defer close(h.done)

		rec.StartedAt = sv.now()
		sv.record(func(ctx context.Context) error { return sv.store.SessionStarted(ctx, rec) })

		h.err = s.Run(sv.ctx)

		rec.EndedAt = sv.now()
		rec.Result = store.ResultDisconnected
		if h.err != nil {
			rec.Result = store.ResultFailed
			rec.Error = h.err.Error()
			s.Logger().Error("session failed", logging.Fields{"error": h.err})
		}
		sv.record(func(ctx context.Context) error { return sv.store.SessionFinished(ctx, rec) })
		// 세션 오류는 Handle 로만 전달하고 그룹에는 전파하지 않습니다.
		return nil
	})
	if !ok {
		return nil, ErrTooManySessions
	}
	return h, nil
}

func (sv *Supervisor) record(write func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := write(ctx); err != nil {
		sv.log.Warn("failed to write session audit record", logging.Fields{"error": err})
	}
}

// Park 는 answer 를 기다리는 offerer 세션을 TTL 동안 보관합니다. 만료되면 세션을 닫습니다.
func (sv *Supervisor) Park(s *Session) error {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if len(sv.parked) >= sv.limit {
		return ErrTooManySessions
	}
	id := s.ID()
	sv.parked[id] = &parkedOffer{
		session: s,
		timer:   time.AfterFunc(sv.ttl, func() { sv.expire(id) }),
	}
	return nil
}

// Claim 은 보관된 세션을 꺼냅니다. 같은 id 로 두 번 꺼낼 수 없습니다.
func (sv *Supervisor) Claim(id string) (*Session, error) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	p, ok := sv.parked[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	delete(sv.parked, id)
	p.timer.Stop()
	return p.session, nil
}

func (sv *Supervisor) expire(id string) {
	sv.mu.Lock()
	p, ok := sv.parked[id]
	if ok {
		delete(sv.parked, id)
	}
	sv.mu.Unlock()
	if !ok {
		return
	}
	p.session.Logger().Info("pending offer expired", nil)
	_ = p.session.Close()
}

// Parked 는 answer 를 기다리는 세션 수입니다.
func (sv *Supervisor) Parked() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return len(sv.parked)
}

// Wait 는 보관 중인 세션을 모두 닫고 실행 중인 세션이 끝날 때까지 기다립니다.
func (sv *Supervisor) Wait() {
	sv.mu.Lock()
	parked := sv.parked
	sv.parked = make(map[string]*parkedOffer)
	sv.mu.Unlock()
	for _, p := range parked {
		p.timer.Stop()
		_ = p.session.Close()
	}
	_ = sv.group.Wait()
}
