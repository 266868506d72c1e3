package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dalbodeule/hop-call/internal/config"
	"github.com/dalbodeule/hop-call/internal/dtls"
	"github.com/dalbodeule/hop-call/internal/logging"
	"github.com/dalbodeule/hop-call/internal/netutil"
	"github.com/dalbodeule/hop-call/internal/observability"
	"github.com/dalbodeule/hop-call/internal/session"
	"github.com/dalbodeule/hop-call/internal/signaling"
	"github.com/dalbodeule/hop-call/internal/store"
)

const shutdownTimeout = 10 * time.Second

type serverFlags struct {
	listen      string
	hostAddr    string
	tlsCert     string
	tlsKey      string
	dbDSN       string
	udpPort     int
	maxSessions int
	debug       bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var f serverFlags
	cmd := &cobra.Command{
		Use:           "hop-call-server",
		Short:         "HTTPS signaling server that runs one P2P session per offer/answer exchange",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, f)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.listen, "listen", "", "signaling HTTP(S) listen address (env HOP_SERVER_HTTP_LISTEN)")
	flags.StringVar(&f.hostAddr, "host-addr", "", "IPv4 address advertised as the host candidate (env HOP_HOST_ADDR)")
	flags.StringVar(&f.tlsCert, "tls-cert", "", "TLS certificate file (env HOP_SERVER_TLS_CERT)")
	flags.StringVar(&f.tlsKey, "tls-key", "", "TLS private key file (env HOP_SERVER_TLS_KEY)")
	flags.StringVar(&f.dbDSN, "db-dsn", "", "PostgreSQL DSN for the session audit log (env HOP_DB_DSN)")
	flags.IntVar(&f.udpPort, "udp-port", 0, "UDP port for sessions, 0 for ephemeral (env HOP_SERVER_UDP_PORT)")
	flags.IntVar(&f.maxSessions, "max-sessions", 0, "maximum concurrent sessions (env HOP_SERVER_MAX_SESSIONS)")
	flags.BoolVar(&f.debug, "debug", false, "use a self-signed certificate (env HOP_SERVER_DEBUG)")
	return cmd
}

func run(cmd *cobra.Command, f serverFlags) error {
	// 1. 서버 설정 로드 (.env + 환경변수), CLI 인자 우선
	cfg, err := config.LoadServerConfigFromEnv()
	if err != nil {
		logging.NewStdJSONLogger("server").Error("failed to load server config from env", logging.Fields{
			"error": err.Error(),
		})
		return err
	}
	cfg.HTTPListen = config.FirstNonEmpty(f.listen, cfg.HTTPListen)
	cfg.HostAddr = config.FirstNonEmpty(f.hostAddr, cfg.HostAddr)
	cfg.TLSCertFile = config.FirstNonEmpty(f.tlsCert, cfg.TLSCertFile)
	cfg.TLSKeyFile = config.FirstNonEmpty(f.tlsKey, cfg.TLSKeyFile)
	cfg.DBDSN = config.FirstNonEmpty(f.dbDSN, cfg.DBDSN)
	if cmd.Flags().Changed("udp-port") {
		cfg.UDPPort = f.udpPort
	}
	if cmd.Flags().Changed("max-sessions") && f.maxSessions > 0 {
		cfg.MaxSessions = f.maxSessions
	}
	if cmd.Flags().Changed("debug") {
		cfg.Debug = f.debug
	}

	logger := logging.NewJSONLogger(os.Stdout, "server", logging.ParseLevel(cfg.Logging.Level))
	logger.Info("hop-call server starting", logging.Fields{
		"http_listen":  cfg.HTTPListen,
		"udp_port":     cfg.UDPPort,
		"max_sessions": cfg.MaxSessions,
		"debug":        cfg.Debug,
	})

	// 2. 호스트 후보 주소는 시작 시 한 번만 계산해 세션 생성에 넘깁니다.
	hostIP, err := resolveHostIP(cfg.HostAddr)
	if err != nil {
		logger.Error("failed to determine host address", logging.Fields{"error": err.Error()})
		return err
	}
	logger.Info("host candidate address selected", logging.Fields{"host_addr": hostIP.String()})

	observability.MustRegister()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. 세션 감사 로그 (선택)
	var st store.Store = store.NopStore{}
	if cfg.DBDSN != "" {
		dbCfg, err := store.ConfigFromEnv(cfg.DBDSN)
		if err != nil {
			logger.Error("invalid database pool config", logging.Fields{"error": err.Error()})
			return err
		}
		pg, err := store.OpenPostgres(ctx, logger, dbCfg)
		if err != nil {
			logger.Error("failed to open session store", logging.Fields{"error": err.Error()})
			return err
		}
		st = pg
	}
	defer st.Close()

	sv := session.NewSupervisor(ctx, logger, st, cfg.MaxSessions, cfg.PendingOfferTTL)
	srv := signaling.NewServer(logger, sv, signaling.ServerOptions{
		HostIP:  hostIP,
		UDPPort: cfg.UDPPort,
		RTC:     cfg.RTC,
	})

	// 4. 시그널링 HTTP(S) 서버
	tlsCfg, err := signalingTLSConfig(cfg, hostIP, logger)
	if err != nil {
		return err
	}
	httpSrv, err := signaling.NewHTTPServer(cfg.HTTPListen, srv.Handler(), tlsCfg)
	if err != nil {
		logger.Error("failed to configure http server", logging.Fields{"error": err.Error()})
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsCfg != nil {
			err = httpSrv.ListenAndServeTLS("", "")
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Info("signaling server listening", logging.Fields{
		"addr":        cfg.HTTPListen,
		"tls":         tlsCfg != nil,
		"browser_url": browserURL(hostIP, cfg.HTTPListen, tlsCfg != nil),
	})

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested", nil)
	case serveErr = <-errCh:
		logger.Error("signaling server stopped", logging.Fields{"error": serveErr.Error()})
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", logging.Fields{"error": err.Error()})
	}
	// ctx 가 취소되었으므로 실행 중인 세션은 모두 disconnect 경로로 끝납니다.
	sv.Wait()
	logger.Info("hop-call server stopped", nil)
	return serveErr
}

// browserURL 은 데모 페이지를 열 주소입니다. (브라우저는 127.0.0.1 후보를 받지 않으므로 호스트 주소 사용)
func browserURL(hostIP net.IP, listen string, secure bool) string {
	scheme := "http"
	if secure {
		scheme = "https"
	}
	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return scheme + "://" + hostIP.String()
	}
	return scheme + "://" + net.JoinHostPort(hostIP.String(), port) + "/"
}

func resolveHostIP(override string) (net.IP, error) {
	if override != "" {
		return netutil.ParseHostAddress(override)
	}
	return netutil.DiscoverHostAddress(nil)
}

// signalingTLSConfig 는 인증서 파일 > debug self-signed > 평문 HTTP 순으로 TLS 설정을 고릅니다.
func signalingTLSConfig(cfg *config.ServerConfig, hostIP net.IP, logger logging.Logger) (*tls.Config, error) {
	switch {
	case cfg.TLSCertFile != "" && cfg.TLSKeyFile != "":
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			logger.Error("failed to load tls certificate", logging.Fields{
				"cert":  cfg.TLSCertFile,
				"error": err.Error(),
			})
			return nil, err
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
	case cfg.Debug:
		tlsCfg, err := dtls.NewSelfSignedTLSConfig(hostIP.String())
		if err != nil {
			logger.Error("failed to create self-signed certificate", logging.Fields{"error": err.Error()})
			return nil, err
		}
		logger.Warn("using self-signed certificate for signaling (debug mode)", logging.Fields{
			"note": "do not use this in production",
		})
		return tlsCfg, nil
	default:
		logger.Warn("no tls certificate configured; serving signaling over plain http", nil)
		return nil, nil
	}
}
