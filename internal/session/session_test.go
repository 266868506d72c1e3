package session

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalbodeule/hop-call/internal/config"
	"github.com/dalbodeule/hop-call/internal/rtc"
)

var loopback = net.IPv4(127, 0, 0, 1)

func newSession(t *testing.T, role Role, observer Observer) *Session {
	t.Helper()
	s, err := New(Options{
		Role:     role,
		RTC:      config.RTCConfig{ICEDisconnectTimeout: 5 * time.Second},
		Observer: observer,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func withCandidate(t *testing.T, s *Session) *Session {
	t.Helper()
	require.NoError(t, s.AddLocalCandidate(&net.UDPAddr{IP: loopback}))
	return s
}

func negotiatePair(t *testing.T, offerer, answerer *Session) {
	t.Helper()
	offer, err := offerer.CreateOffer()
	require.NoError(t, err)
	answer, err := answerer.AcceptOffer(offer)
	require.NoError(t, err)
	require.NoError(t, offerer.AcceptAnswer(answer))
}

func TestNewSessionBindsSocket(t *testing.T) {
	s := newSession(t, RoleOfferer, nil)
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, RoleOfferer, s.Role())
	assert.Equal(t, StateIdle, s.State())
	assert.Nil(t, s.LocalAddr())

	udp, ok := s.SocketAddr().(*net.UDPAddr)
	require.True(t, ok)
	assert.NotZero(t, udp.Port)

	_, err := New(Options{Role: "observer"})
	assert.Error(t, err)
}

func TestAddLocalCandidateUsesSocketPort(t *testing.T) {
	s := withCandidate(t, newSession(t, RoleAnswerer, nil))
	sock := s.SocketAddr().(*net.UDPAddr)
	assert.Equal(t, sock.Port, s.LocalAddr().Port)
	assert.True(t, s.LocalAddr().IP.Equal(loopback))

	err := s.AddLocalCandidate(&net.UDPAddr{IP: loopback})
	assert.ErrorIs(t, err, ErrInvalidState, "local address is set once")
}

func TestNegotiationRoundTrip(t *testing.T) {
	offerer := withCandidate(t, newSession(t, RoleOfferer, nil))
	answerer := withCandidate(t, newSession(t, RoleAnswerer, nil))

	offer, err := offerer.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, rtc.SDPTypeOffer, offer.Type)
	assert.Contains(t, offer.SDP, "H264/90000")
	assert.NotContains(t, offer.SDP, "VP8")
	assert.Equal(t, StateOfferPending, offerer.State())

	answer, err := answerer.AcceptOffer(offer)
	require.NoError(t, err)
	assert.Equal(t, rtc.SDPTypeAnswer, answer.Type)
	assert.Equal(t, StateAnswerReady, answerer.State())

	require.NoError(t, offerer.AcceptAnswer(answer))
	assert.Equal(t, StateNegotiated, offerer.State())
}

func TestAcceptAnswerTokenIsSingleUse(t *testing.T) {
	offerer := withCandidate(t, newSession(t, RoleOfferer, nil))
	answerer := withCandidate(t, newSession(t, RoleAnswerer, nil))

	offer, err := offerer.CreateOffer()
	require.NoError(t, err)
	answer, err := answerer.AcceptOffer(offer)
	require.NoError(t, err)

	require.NoError(t, offerer.AcceptAnswer(answer))
	err = offerer.AcceptAnswer(answer)
	assert.ErrorIs(t, err, ErrNoPendingOffer)

	var negErr *NegotiationError
	require.ErrorAs(t, err, &negErr)
	assert.Equal(t, "accept_answer", negErr.Op)
}

func TestAcceptAnswerWithoutOffer(t *testing.T) {
	s := withCandidate(t, newSession(t, RoleOfferer, nil))
	err := s.AcceptAnswer(rtc.SessionDescription{Type: rtc.SDPTypeAnswer})
	assert.ErrorIs(t, err, ErrNoPendingOffer)
}

func TestRejectedAnswerSpendsToken(t *testing.T) {
	s := withCandidate(t, newSession(t, RoleOfferer, nil))
	_, err := s.CreateOffer()
	require.NoError(t, err)

	err = s.AcceptAnswer(rtc.SessionDescription{Type: rtc.SDPTypeAnswer, SDP: "garbage"})
	assert.ErrorIs(t, err, rtc.ErrMalformedSDP)
	err = s.AcceptAnswer(rtc.SessionDescription{Type: rtc.SDPTypeAnswer, SDP: "garbage"})
	assert.ErrorIs(t, err, ErrNoPendingOffer)
}

func TestCreateOfferTwiceFails(t *testing.T) {
	s := withCandidate(t, newSession(t, RoleOfferer, nil))
	_, err := s.CreateOffer()
	require.NoError(t, err)

	_, err = s.CreateOffer()
	assert.ErrorIs(t, err, ErrOfferPending)
}

func TestNegotiationRequiresCandidate(t *testing.T) {
	offerer := newSession(t, RoleOfferer, nil)
	_, err := offerer.CreateOffer()
	assert.ErrorIs(t, err, ErrNoLocalCandidate)

	answerer := newSession(t, RoleAnswerer, nil)
	offer, err := withCandidate(t, newSession(t, RoleOfferer, nil)).CreateOffer()
	require.NoError(t, err)
	_, err = answerer.AcceptOffer(offer)
	assert.ErrorIs(t, err, ErrNoLocalCandidate)
}

func TestNegotiationRoleGuards(t *testing.T) {
	answerer := withCandidate(t, newSession(t, RoleAnswerer, nil))
	_, err := answerer.CreateOffer()
	assert.ErrorIs(t, err, ErrInvalidState)

	offerer := withCandidate(t, newSession(t, RoleOfferer, nil))
	_, err = offerer.AcceptOffer(rtc.SessionDescription{Type: rtc.SDPTypeOffer})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestAcceptOfferRejectsBadPayload(t *testing.T) {
	s := withCandidate(t, newSession(t, RoleAnswerer, nil))
	_, err := s.AcceptOffer(rtc.SessionDescription{Type: rtc.SDPTypeOffer, SDP: "v=0"})
	assert.ErrorIs(t, err, rtc.ErrMalformedSDP)
	assert.Equal(t, StateIdle, s.State(), "failed negotiation leaves the session idle")
}

func TestRunRequiresNegotiation(t *testing.T) {
	s := withCandidate(t, newSession(t, RoleOfferer, nil))
	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestClosedSessionRejectsNegotiation(t *testing.T) {
	s := newSession(t, RoleOfferer, nil)
	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	assert.NoError(t, s.Close(), "close is idempotent")

	err := s.AddLocalCandidate(&net.UDPAddr{IP: loopback})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

// connectedObserver reports the first Connected event on ch.
func connectedObserver(ch chan<- struct{}) Observer {
	return func(ev rtc.Event) {
		if _, ok := ev.(rtc.Connected); ok {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

func TestSessionsConnectOverLoopback(t *testing.T) {
	offerConnected := make(chan struct{}, 1)
	answerConnected := make(chan struct{}, 1)
	offerer := withCandidate(t, newSession(t, RoleOfferer, connectedObserver(offerConnected)))
	answerer := withCandidate(t, newSession(t, RoleAnswerer, connectedObserver(answerConnected)))
	negotiatePair(t, offerer, answerer)

	runUntilConnected(t, offerer, answerer, offerConnected, answerConnected)
}

func TestSessionsConnectWithIPv6RemoteCandidate(t *testing.T) {
	offerConnected := make(chan struct{}, 1)
	answerConnected := make(chan struct{}, 1)
	offerer := withCandidate(t, newSession(t, RoleOfferer, connectedObserver(offerConnected)))
	answerer := withCandidate(t, newSession(t, RoleAnswerer, connectedObserver(answerConnected)))

	offer, err := offerer.CreateOffer()
	require.NoError(t, err)
	// 브라우저처럼 IPv6 host 후보를 먼저 나열합니다.
	offer.SDP = strings.Replace(offer.SDP, "a=candidate:",
		"a=candidate:9 1 udp 2130706431 2001:db8::1 50000 typ host\r\na=candidate:", 1)
	require.Contains(t, offer.SDP, "2001:db8::1")

	answer, err := answerer.AcceptOffer(offer)
	require.NoError(t, err)
	require.NoError(t, offerer.AcceptAnswer(answer))

	runUntilConnected(t, offerer, answerer, offerConnected, answerConnected)
}

// runUntilConnected 는 두 세션을 실행해 연결을 확인한 뒤 offerer 를 취소해 둘 다 종료시킵니다.
func runUntilConnected(t *testing.T, offerer, answerer *Session, offerConnected, answerConnected chan struct{}) {
	t.Helper()
	offerCtx, cancelOffer := context.WithCancel(context.Background())
	defer cancelOffer()
	answerCtx, cancelAnswer := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancelAnswer()

	offerDone := make(chan error, 1)
	answerDone := make(chan error, 1)
	go func() { offerDone <- offerer.Run(offerCtx) }()
	go func() { answerDone <- answerer.Run(answerCtx) }()

	for _, ch := range []chan struct{}{offerConnected, answerConnected} {
		select {
		case <-ch:
		case err := <-answerDone:
			t.Fatalf("answerer stopped before connecting: %v", err)
		case err := <-offerDone:
			t.Fatalf("offerer stopped before connecting: %v", err)
		case <-time.After(10 * time.Second):
			t.Fatal("sessions did not connect")
		}
	}

	// cancelling the offerer sends a goodbye, which ends the answerer too.
	cancelOffer()
	for _, ch := range []chan error{offerDone, answerDone} {
		select {
		case err := <-ch:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("session did not stop")
		}
	}
	assert.Equal(t, StateDisconnected, offerer.State())
	assert.Equal(t, StateDisconnected, answerer.State())
}
