// Package signaling 은 offer/answer 를 주고받는 HTTP 시그널링 서버와 클라이언트를 제공합니다.
package signaling

import (
	"errors"
	"fmt"

	"github.com/dalbodeule/hop-call/internal/rtc"
)

// ErrInvalidMessage 는 type/sdp 가 비어 있거나 기대와 다른 메시지에 대해 반환됩니다.
var ErrInvalidMessage = errors.New("signaling: invalid message")

// Message 는 시그널링 채널로 오가는 SDP 한 건입니다.
//   - Type      : "offer" 또는 "answer"
//   - SDP       : SDP 본문
//   - SessionID : 서버가 보관 중인 offerer 세션 식별자 (GET /offer 응답, POST /answer 요청)
type Message struct {
	Type      rtc.SDPType `json:"type"`
	SDP       string      `json:"sdp"`
	SessionID string      `json:"session_id,omitempty"`
}

// NewMessage 는 세션 설명으로부터 메시지를 만듭니다.
func NewMessage(desc rtc.SessionDescription, sessionID string) Message {
	return Message{Type: desc.Type, SDP: desc.SDP, SessionID: sessionID}
}

// Description 은 메시지를 엔진이 받는 세션 설명으로 변환합니다.
func (m Message) Description() rtc.SessionDescription {
	return rtc.SessionDescription{Type: m.Type, SDP: m.SDP}
}

// Expect 는 메시지 type 이 want 이고 SDP 가 비어 있지 않은지 확인합니다.
func (m Message) Expect(want rtc.SDPType) error {
	if m.Type != want {
		return fmt.Errorf("%w: type %q, want %q", ErrInvalidMessage, m.Type, want)
	}
	if m.SDP == "" {
		return fmt.Errorf("%w: empty sdp", ErrInvalidMessage)
	}
	return nil
}
