package session

import "errors"

var (
	// ErrOfferPending 는 이미 answer 를 기다리는 offer 가 있는데 다시 offer 를 만들 때 반환됩니다.
	ErrOfferPending = errors.New("session: offer already pending")
	// ErrNoPendingOffer 는 대응하는 offer 없이 answer 를 받았을 때 반환됩니다.
	ErrNoPendingOffer = errors.New("session: answer received with no matching pending offer")
	// ErrNoLocalCandidate 는 로컬 후보 등록 전에 협상을 시작했을 때 반환됩니다.
	ErrNoLocalCandidate = errors.New("session: no local candidate registered")
	// ErrInvalidState 는 현재 상태/역할에서 허용되지 않는 동작일 때 반환됩니다.
	ErrInvalidState = errors.New("session: invalid state for operation")
	// ErrSessionClosed 는 이미 닫힌 세션을 사용할 때 반환됩니다.
	ErrSessionClosed = errors.New("session: closed")
	// ErrTooManySessions 는 Supervisor 의 동시 세션 상한을 넘었을 때 반환됩니다.
	ErrTooManySessions = errors.New("session: too many sessions")
	// ErrUnknownSession 은 보관 중인 offer 세션을 찾지 못했을 때 반환됩니다.
	ErrUnknownSession = errors.New("session: unknown or expired session")
)

// NegotiationError 는 협상 동작(create_offer, accept_offer, accept_answer, add_candidate)
// 실패를 감쌉니다. 호출자가 재시도하거나 세션을 버릴 수 있는 지역적 오류입니다.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string { return "session: " + e.Op + ": " + e.Err.Error() }
func (e *NegotiationError) Unwrap() error { return e.Err }

// IOError 는 세션 소켓 바인드/송수신 또는 엔진 입력 거부로 세션이 더 진행할 수 없을 때의 오류입니다.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return "session: " + e.Op + ": " + e.Err.Error() }
func (e *IOError) Unwrap() error { return e.Err }
