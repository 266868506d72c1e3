package signaling

import (
	"crypto/tls"
	_ "embed"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"

	"github.com/dalbodeule/hop-call/internal/config"
	"github.com/dalbodeule/hop-call/internal/logging"
	"github.com/dalbodeule/hop-call/internal/observability"
	"github.com/dalbodeule/hop-call/internal/rtc"
	"github.com/dalbodeule/hop-call/internal/session"
)

// indexHTML 은 브라우저가 직접 offer 를 POST 하는 데모 페이지입니다.
//
//go:embed web/index.html
var indexHTML []byte

// ServerOptions 는 시그널링 서버가 세션을 만들 때 사용하는 값입니다.
type ServerOptions struct {
	// HostIP 는 프로세스 시작 시 한 번 탐색한 호스트 후보 주소입니다.
	HostIP net.IP
	// UDPPort 가 0 이 아니면 모든 세션이 이 포트에 바인드합니다 (동시에 하나만 가능).
	UDPPort int
	RTC     config.RTCConfig
}

// Server 는 /offer, /answer 시그널링 엔드포인트를 제공합니다.
//
// 요청마다 세션을 하나 만들고, 협상이 끝난 세션은 Supervisor 에 넘겨 실행합니다.
// 세션 하나의 실패는 해당 요청의 오류 응답으로만 나타납니다.
type Server struct {
	Logger     logging.Logger
	Supervisor *session.Supervisor
	Options    ServerOptions
}

// NewServer 는 새로운 Server 를 생성합니다.
func NewServer(logger logging.Logger, sv *session.Supervisor, opts ServerOptions) *Server {
	if logger == nil {
		logger = logging.NewStdJSONLogger("signaling")
	}
	return &Server{
		Logger:     logger.With(logging.Fields{"component": "signaling"}),
		Supervisor: sv,
		Options:    opts,
	}
}

// Handler 는 메트릭 미들웨어가 적용된 라우트 전체를 반환합니다.
//   - POST /offer  : 원격 offer 를 받아 answerer 세션을 실행하고 answer 반환
//   - GET  /offer  : offerer 세션을 만들어 offer 와 session_id 반환
//   - POST /answer : session_id 의 보관된 offer 에 answer 적용 후 실행
//   - GET  /healthz, GET /metrics
//   - GET  /       : 브라우저 데모 페이지
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/offer", s.handleOffer)
	mux.HandleFunc("/answer", s.handleAnswer)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	return metricsMiddleware(mux)
}

// NewHTTPServer 는 H1/H2 를 지원하는 기본 HTTP 서버를 생성합니다.
// tlsCfg 는 ConfigureServer 가 h2 ALPN 을 추가할 수 있도록 여기서 함께 넘깁니다. (nil 이면 평문)
func NewHTTPServer(addr string, handler http.Handler, tlsCfg *tls.Config) (*http.Server, error) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
		return nil, err
	}
	return srv, nil
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type answerAcceptedResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
}

type healthResponse struct {
	Status string `json:"status"`
	Parked int    `json:"parked"`
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.acceptRemoteOffer(w, r)
	case http.MethodGet:
		s.createOffer(w, r)
	default:
		s.writeMethodNotAllowed(w, r)
	}
}

// acceptRemoteOffer 는 POST /offer 를 처리합니다. 서버가 answerer 입니다.
func (s *Server) acceptRemoteOffer(w http.ResponseWriter, r *http.Request) {
	codec := CodecForContentType(r.Header.Get("Content-Type"))
	var msg Message
	if err := codec.Decode(r.Body, &msg); err != nil {
		s.Logger.Warn("invalid offer body", logging.Fields{"error": err.Error()})
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := msg.Expect(rtc.SDPTypeOffer); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, ok := s.newSession(w, session.RoleAnswerer)
	if !ok {
		return
	}
	answer, err := sess.AcceptOffer(msg.Description())
	if err != nil {
		_ = sess.Close()
		sess.Logger().Warn("failed to accept offer", logging.Fields{"error": err.Error()})
		s.writeError(w, statusForNegotiation(err), err.Error())
		return
	}
	if _, err := s.Supervisor.Start(sess); err != nil {
		_ = sess.Close()
		s.writeSessionLimit(w, err)
		return
	}

	s.writeMessage(w, r, codec, NewMessage(answer, sess.ID()))
}

// createOffer 는 GET /offer 를 처리합니다. 서버가 offerer 이며, 세션은 answer 가 올 때까지 보관됩니다.
func (s *Server) createOffer(w http.ResponseWriter, r *http.Request) {
	codec := CodecForContentType(r.Header.Get("Accept"))

	sess, ok := s.newSession(w, session.RoleOfferer)
	if !ok {
		return
	}
	offer, err := sess.CreateOffer()
	if err != nil {
		_ = sess.Close()
		sess.Logger().Error("failed to create offer", logging.Fields{"error": err.Error()})
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.Supervisor.Park(sess); err != nil {
		_ = sess.Close()
		s.writeSessionLimit(w, err)
		return
	}

	s.writeMessage(w, r, codec, NewMessage(offer, sess.ID()))
}

// handleAnswer 는 POST /answer 를 처리합니다. 보관된 offer 토큰은 성공/실패와 무관하게 소모됩니다.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r)
		return
	}

	codec := CodecForContentType(r.Header.Get("Content-Type"))
	var msg Message
	if err := codec.Decode(r.Body, &msg); err != nil {
		s.Logger.Warn("invalid answer body", logging.Fields{"error": err.Error()})
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := msg.Expect(rtc.SDPTypeAnswer); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	sess, err := s.Supervisor.Claim(msg.SessionID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "unknown or expired session")
		return
	}
	if err := sess.AcceptAnswer(msg.Description()); err != nil {
		_ = sess.Close()
		sess.Logger().Warn("failed to accept answer", logging.Fields{"error": err.Error()})
		s.writeError(w, statusForNegotiation(err), err.Error())
		return
	}
	if _, err := s.Supervisor.Start(sess); err != nil {
		_ = sess.Close()
		s.writeSessionLimit(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, answerAcceptedResponse{Success: true, SessionID: sess.ID()})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(indexHTML)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Parked: s.Supervisor.Parked()})
}

// newSession 은 세션을 만들고 호스트 후보를 등록합니다. 실패하면 오류 응답을 쓰고 false 를 반환합니다.
func (s *Server) newSession(w http.ResponseWriter, role session.Role) (*session.Session, bool) {
	sess, err := session.New(session.Options{
		Role:   role,
		Port:   s.Options.UDPPort,
		RTC:    s.Options.RTC,
		Logger: s.Logger,
	})
	if err != nil {
		s.Logger.Error("failed to create session", logging.Fields{"role": string(role), "error": err.Error()})
		s.writeError(w, http.StatusServiceUnavailable, "session unavailable")
		return nil, false
	}
	if err := sess.AddLocalCandidate(&net.UDPAddr{IP: s.Options.HostIP}); err != nil {
		_ = sess.Close()
		sess.Logger().Error("failed to register host candidate", logging.Fields{"error": err.Error()})
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return sess, true
}

// statusForNegotiation 은 원격 SDP 문제는 4xx, 그 외는 5xx 로 분류합니다.
func statusForNegotiation(err error) int {
	switch {
	case errors.Is(err, rtc.ErrMalformedSDP),
		errors.Is(err, rtc.ErrWrongSDPType),
		errors.Is(err, rtc.ErrNoCompatibleMedia):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrInvalidState),
		errors.Is(err, session.ErrNoPendingOffer),
		errors.Is(err, session.ErrSessionClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeSessionLimit(w http.ResponseWriter, err error) {
	s.Logger.Warn("session rejected", logging.Fields{"error": err.Error()})
	s.writeError(w, http.StatusServiceUnavailable, err.Error())
}

func (s *Server) writeMessage(w http.ResponseWriter, r *http.Request, codec WireCodec, msg Message) {
	w.Header().Set("Content-Type", codec.ContentType())
	w.WriteHeader(http.StatusOK)
	if err := codec.Encode(w, &msg); err != nil {
		s.Logger.Warn("failed to write signaling response", logging.Fields{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
	}
}

func (s *Server) writeMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Success: false, Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusRecorder 는 응답 상태 코드를 기록합니다.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		observability.HTTPRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		observability.HTTPRequestDurationSeconds.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}
