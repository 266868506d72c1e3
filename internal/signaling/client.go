package signaling

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/dalbodeule/hop-call/internal/logging"
	"github.com/dalbodeule/hop-call/internal/rtc"
)

// StatusError 는 시그널링 서버가 2xx 가 아닌 상태로 응답했을 때 반환됩니다.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("signaling: %s %s: %d %s", e.Method, e.Path, e.Code, e.Reason)
}

// Client 는 시그널링 서버와 offer/answer 를 교환합니다. (ko)
// Client exchanges offers and answers with the signaling server. (en)
type Client struct {
	HTTPClient *http.Client
	Logger     logging.Logger
	Codec      WireCodec
	BaseURL    *url.URL
}

// NewClient 는 baseURL 로 요청하는 Client 를 생성합니다.
// insecure 가 true 이면 (debug 모드) 서버 인증서 검증을 건너뜁니다.
func NewClient(logger logging.Logger, baseURL string, insecure bool) (*Client, error) {
	if logger == nil {
		logger = logging.NewStdJSONLogger("signaling_client")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("signaling: parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("signaling: server url must be http(s), got %q", baseURL)
	}

	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: insecure, // debug 모드 self-signed 인증서 허용
		},
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("signaling: configure http2 transport: %w", err)
	}

	return &Client{
		HTTPClient: &http.Client{Timeout: 30 * time.Second, Transport: tr},
		Logger:     logger.With(logging.Fields{"component": "signaling_client"}),
		Codec:      DefaultCodec,
		BaseURL:    u,
	}, nil
}

// FetchOffer 는 GET /offer 로 서버 offerer 세션의 offer 와 session_id 를 받습니다.
func (c *Client) FetchOffer(ctx context.Context) (Message, error) {
	var msg Message
	if err := c.do(ctx, http.MethodGet, "/offer", nil, &msg); err != nil {
		return Message{}, err
	}
	if err := msg.Expect(rtc.SDPTypeOffer); err != nil {
		return Message{}, err
	}
	if msg.SessionID == "" {
		return Message{}, fmt.Errorf("%w: offer without session_id", ErrInvalidMessage)
	}
	return msg, nil
}

// SubmitAnswer 는 POST /answer 로 answer 를 제출합니다. answer.SessionID 가 필요합니다.
func (c *Client) SubmitAnswer(ctx context.Context, answer Message) error {
	if answer.SessionID == "" {
		return fmt.Errorf("%w: answer without session_id", ErrInvalidMessage)
	}
	return c.do(ctx, http.MethodPost, "/answer", &answer, nil)
}

// ExchangeOffer 는 POST /offer 로 로컬 offer 를 보내고 서버의 answer 를 받습니다.
func (c *Client) ExchangeOffer(ctx context.Context, offer Message) (Message, error) {
	var answer Message
	if err := c.do(ctx, http.MethodPost, "/offer", &offer, &answer); err != nil {
		return Message{}, err
	}
	if err := answer.Expect(rtc.SDPTypeAnswer); err != nil {
		return Message{}, err
	}
	return answer, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out *Message) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := c.Codec.Encode(&buf, in); err != nil {
			return fmt.Errorf("signaling: encode request: %w", err)
		}
		body = &buf
	}

	u := c.BaseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("signaling: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", c.Codec.ContentType())
	}
	req.Header.Set("Accept", c.Codec.ContentType())

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("signaling: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.Logger.Debug("signaling request finished", logging.Fields{
		"method":     method,
		"path":       path,
		"status":     resp.StatusCode,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, maxMessageBytes)).Decode(&e)
		reason := e.Error
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Reason: reason}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxMessageBytes))
		return nil
	}
	if err := CodecForContentType(resp.Header.Get("Content-Type")).Decode(resp.Body, out); err != nil {
		return fmt.Errorf("signaling: decode response: %w", err)
	}
	return nil
}
