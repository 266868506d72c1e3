package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LoggingConfig 는 공통 로그 설정을 담습니다.
type LoggingConfig struct {
	Level string // 예: "debug", "info", "warn", "error"
}

// RTCConfig 는 세션 엔진(rtc)의 타이머 설정을 담습니다.
type RTCConfig struct {
	StatsInterval        time.Duration // PeerStats 이벤트 주기, 0 이면 비활성
	ICEDisconnectTimeout time.Duration // 연결 이후 응답이 없을 때 Disconnected 로 판단하는 시간
}

// ServerConfig 는 시그널링 서버 프로세스 설정을 담습니다.
type ServerConfig struct {
	HTTPListen      string        // 예: ":3000"
	UDPPort         int           // 세션 UDP 포트, 0 이면 세션마다 임시 포트
	HostAddr        string        // 호스트 후보 주소 강제 지정 (비어 있으면 자동 탐색)
	TLSCertFile     string        // 시그널링 HTTPS 인증서
	TLSKeyFile      string        // 시그널링 HTTPS 개인키
	MaxSessions     int           // 동시에 실행되는 세션 상한
	PendingOfferTTL time.Duration // answer 를 기다리는 offer 세션 보관 시간
	DBDSN           string        // 세션 감사 로그용 PostgreSQL DSN (선택)
	Debug           bool          // true 이면 self-signed 인증서 사용

	RTC     RTCConfig
	Logging LoggingConfig
}

// ClientConfig 는 시그널링 클라이언트 프로세스 설정을 담습니다.
//   - ServerURL : 시그널링 서버 base URL (예: https://192.168.1.42:3000)
//   - Mode      : "answer" (서버 offer 를 받아 answer 제출) 또는 "offer"
//   - UDPPort   : 로컬 세션 UDP 포트 (0 이면 임시 포트)
//   - Duration  : 0 이 아니면 이 시간 이후 세션을 정상 종료
//
// 값은 .env/환경변수와 CLI 인자를 조합해 구성하며,
// CLI 인자가 우선, env 가 후순위로 적용됩니다.
type ClientConfig struct {
	ServerURL string
	Mode      string
	UDPPort   int
	HostAddr  string
	Duration  time.Duration
	Debug     bool // true 이면 서버 인증서 검증 스킵

	RTC     RTCConfig
	Logging LoggingConfig
}

const (
	ClientModeAnswer = "answer"
	ClientModeOffer  = "offer"
)

var (
	dotenvOnce sync.Once
	dotenvErr  error
)

// loadDotEnvOnce 는 현재 작업 디렉터리의 .env 파일을 한 번만 읽어서 os.Environ 에 주입합니다.
// - KEY=VALUE, export KEY=VALUE 형식을 지원
// - # 으로 시작하는 줄은 주석으로 간주합니다.
func loadDotEnvOnce() {
	dotenvOnce.Do(func() {
		dotenvErr = loadDotEnvFile(".env")
	})
}

func loadDotEnvFile(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// .env 가 없으면 조용히 무시
			return nil
		}
		return err
	}
	if fi.IsDir() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		// 양 끝의 작은/큰따옴표 제거
		val = strings.Trim(val, `"'`)

		if key != "" {
			// 이미 OS 환경변수에 설정된 값이 있는 경우 이를 우선시합니다.
			if _, exists := os.LookupEnv(key); !exists {
				_ = os.Setenv(key, val)
			}
		}
	}
	return scanner.Err()
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getEnvInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, v, err)
	}
	return n, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, v, err)
	}
	return d, nil
}

func validPort(key string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s: port %d out of range", key, port)
	}
	return nil
}

// loadLoggingFromEnv 는 공통 로그 설정을 .env/환경변수에서 읽어옵니다.
func loadLoggingFromEnv() LoggingConfig {
	return LoggingConfig{
		Level: getEnvOrDefault("HOP_LOG_LEVEL", "info"),
	}
}

func loadRTCFromEnv() (RTCConfig, error) {
	stats, err := getEnvDuration("HOP_RTC_STATS_INTERVAL", 2*time.Second)
	if err != nil {
		return RTCConfig{}, err
	}
	disc, err := getEnvDuration("HOP_RTC_ICE_DISCONNECT_TIMEOUT", 10*time.Second)
	if err != nil {
		return RTCConfig{}, err
	}
	if disc <= 0 {
		return RTCConfig{}, fmt.Errorf("HOP_RTC_ICE_DISCONNECT_TIMEOUT must be positive")
	}
	return RTCConfig{
		StatsInterval:        stats,
		ICEDisconnectTimeout: disc,
	}, nil
}

// LoadServerConfigFromEnv 는 .env 를 한 번 읽어 현재 환경변수를 보완한 뒤
// "환경변수 > .env" 우선순위로 서버 설정을 구성합니다.
func LoadServerConfigFromEnv() (*ServerConfig, error) {
	loadDotEnvOnce()
	if dotenvErr != nil {
		return nil, dotenvErr
	}

	udpPort, err := getEnvInt("HOP_SERVER_UDP_PORT", 0)
	if err != nil {
		return nil, err
	}
	if err := validPort("HOP_SERVER_UDP_PORT", udpPort); err != nil {
		return nil, err
	}
	maxSessions, err := getEnvInt("HOP_SERVER_MAX_SESSIONS", 64)
	if err != nil {
		return nil, err
	}
	if maxSessions <= 0 {
		return nil, fmt.Errorf("HOP_SERVER_MAX_SESSIONS must be positive")
	}
	ttl, err := getEnvDuration("HOP_SERVER_PENDING_OFFER_TTL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	rtcCfg, err := loadRTCFromEnv()
	if err != nil {
		return nil, err
	}

	cfg := &ServerConfig{
		HTTPListen:      getEnvOrDefault("HOP_SERVER_HTTP_LISTEN", ":3000"),
		UDPPort:         udpPort,
		HostAddr:        strings.TrimSpace(os.Getenv("HOP_HOST_ADDR")),
		TLSCertFile:     strings.TrimSpace(os.Getenv("HOP_SERVER_TLS_CERT")),
		TLSKeyFile:      strings.TrimSpace(os.Getenv("HOP_SERVER_TLS_KEY")),
		MaxSessions:     maxSessions,
		PendingOfferTTL: ttl,
		DBDSN:           strings.TrimSpace(os.Getenv("HOP_DB_DSN")),
		Debug:           getEnvBool("HOP_SERVER_DEBUG", false),
		RTC:             rtcCfg,
		Logging:         loadLoggingFromEnv(),
	}
	return cfg, nil
}

// LoadClientConfigFromEnv 는 .env 를 한 번 읽어 현재 환경변수를 보완한 뒤
// "환경변수 > .env" 우선순위로 클라이언트 설정을 구성합니다.
func LoadClientConfigFromEnv() (*ClientConfig, error) {
	loadDotEnvOnce()
	if dotenvErr != nil {
		return nil, dotenvErr
	}

	udpPort, err := getEnvInt("HOP_CLIENT_UDP_PORT", 0)
	if err != nil {
		return nil, err
	}
	if err := validPort("HOP_CLIENT_UDP_PORT", udpPort); err != nil {
		return nil, err
	}
	duration, err := getEnvDuration("HOP_CLIENT_DURATION", 0)
	if err != nil {
		return nil, err
	}
	rtcCfg, err := loadRTCFromEnv()
	if err != nil {
		return nil, err
	}

	cfg := &ClientConfig{
		ServerURL: strings.TrimSpace(os.Getenv("HOP_CLIENT_SERVER_URL")),
		Mode:      getEnvOrDefault("HOP_CLIENT_MODE", ClientModeAnswer),
		UDPPort:   udpPort,
		HostAddr:  strings.TrimSpace(os.Getenv("HOP_HOST_ADDR")),
		Duration:  duration,
		Debug:     getEnvBool("HOP_CLIENT_DEBUG", false),
		RTC:       rtcCfg,
		Logging:   loadLoggingFromEnv(),
	}
	return cfg, nil
}

// Validate 는 CLI 인자까지 반영된 최종 클라이언트 설정을 검사합니다.
func (c *ClientConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(c.ServerURL) == "" {
		missing = append(missing, "server_url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("client config missing required fields: %s", strings.Join(missing, ","))
	}
	switch c.Mode {
	case ClientModeAnswer, ClientModeOffer:
	default:
		return fmt.Errorf("invalid client mode %q; must be %q or %q", c.Mode, ClientModeAnswer, ClientModeOffer)
	}
	return validPort("udp_port", c.UDPPort)
}

// FirstNonEmpty 는 앞에서부터 처음으로 non-empty 인 문자열을 반환합니다.
// CLI 인자 > env 순서로 값을 고를 때 사용합니다.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
