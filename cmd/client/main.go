package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dalbodeule/hop-call/internal/config"
	"github.com/dalbodeule/hop-call/internal/logging"
	"github.com/dalbodeule/hop-call/internal/netutil"
	"github.com/dalbodeule/hop-call/internal/rtc"
	"github.com/dalbodeule/hop-call/internal/session"
	"github.com/dalbodeule/hop-call/internal/signaling"
)

type clientFlags struct {
	serverURL string
	mode      string
	hostAddr  string
	duration  string
	udpPort   int
	debug     bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var f clientFlags
	cmd := &cobra.Command{
		Use:           "hop-call-client",
		Short:         "Negotiate one P2P session through the signaling server and run it until disconnect",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, f)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.serverURL, "server-url", "", "signaling server base URL, e.g. https://192.168.1.42:3000 (env HOP_CLIENT_SERVER_URL)")
	flags.StringVar(&f.mode, "mode", "", `"answer" answers the server's offer, "offer" sends a local offer (env HOP_CLIENT_MODE)`)
	flags.StringVar(&f.hostAddr, "host-addr", "", "IPv4 address advertised as the host candidate (env HOP_HOST_ADDR)")
	flags.StringVar(&f.duration, "duration", "", "stop the session after this long, e.g. 30s (env HOP_CLIENT_DURATION)")
	flags.IntVar(&f.udpPort, "udp-port", 0, "local UDP port, 0 for ephemeral (env HOP_CLIENT_UDP_PORT)")
	flags.BoolVar(&f.debug, "debug", false, "skip server certificate verification (env HOP_CLIENT_DEBUG)")
	return cmd
}

func run(cmd *cobra.Command, f clientFlags) error {
	// 1. 환경변수(.env 포함)에서 클라이언트 설정 로드 후 CLI 인자 우선 적용
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		logging.NewStdJSONLogger("client").Error("invalid client config", logging.Fields{
			"error": err.Error(),
		})
		return err
	}

	logger := logging.NewJSONLogger(os.Stdout, "client", logging.ParseLevel(cfg.Logging.Level))
	logger.Info("hop-call client starting", logging.Fields{
		"server_url": cfg.ServerURL,
		"mode":       cfg.Mode,
		"udp_port":   cfg.UDPPort,
		"duration":   cfg.Duration.String(),
		"debug":      cfg.Debug,
	})

	// 2. 호스트 후보 주소 (한 번 계산)
	var hostIP net.IP
	if cfg.HostAddr != "" {
		hostIP, err = netutil.ParseHostAddress(cfg.HostAddr)
	} else {
		hostIP, err = netutil.DiscoverHostAddress(nil)
	}
	if err != nil {
		logger.Error("failed to determine host address", logging.Fields{"error": err.Error()})
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	client, err := signaling.NewClient(logger, cfg.ServerURL, cfg.Debug)
	if err != nil {
		logger.Error("failed to create signaling client", logging.Fields{"error": err.Error()})
		return err
	}

	role := session.RoleAnswerer
	if cfg.Mode == config.ClientModeOffer {
		role = session.RoleOfferer
	}
	sess, err := session.New(session.Options{
		Role:     role,
		Port:     cfg.UDPPort,
		RTC:      cfg.RTC,
		Logger:   logger,
		Observer: connectionObserver(logger),
	})
	if err != nil {
		logger.Error("failed to create session", logging.Fields{"error": err.Error()})
		return err
	}
	defer sess.Close()

	if err := sess.AddLocalCandidate(&net.UDPAddr{IP: hostIP}); err != nil {
		logger.Error("failed to register host candidate", logging.Fields{"error": err.Error()})
		return err
	}

	// 3. 시그널링
	if role == session.RoleOfferer {
		err = negotiateAsOfferer(ctx, client, sess)
	} else {
		err = negotiateAsAnswerer(ctx, client, sess)
	}
	if err != nil {
		logger.Error("negotiation failed", logging.Fields{"error": err.Error()})
		return err
	}

	// 4. 세션 드라이버 실행 (disconnect 또는 ctx 만료까지)
	if err := sess.Run(ctx); err != nil {
		logger.Error("session ended with error", logging.Fields{"error": err.Error()})
		return err
	}
	logger.Info("session disconnected", nil)
	return nil
}

func loadConfig(cmd *cobra.Command, f clientFlags) (*config.ClientConfig, error) {
	cfg, err := config.LoadClientConfigFromEnv()
	if err != nil {
		return nil, err
	}
	cfg.ServerURL = config.FirstNonEmpty(f.serverURL, cfg.ServerURL)
	cfg.Mode = config.FirstNonEmpty(f.mode, cfg.Mode)
	cfg.HostAddr = config.FirstNonEmpty(f.hostAddr, cfg.HostAddr)
	if f.duration != "" {
		d, err := parseDuration(f.duration)
		if err != nil {
			return nil, err
		}
		cfg.Duration = d
	}
	if cmd.Flags().Changed("udp-port") {
		cfg.UDPPort = f.udpPort
	}
	if cmd.Flags().Changed("debug") {
		cfg.Debug = f.debug
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// negotiateAsAnswerer 는 서버의 offer 를 받아 answer 를 제출합니다.
func negotiateAsAnswerer(ctx context.Context, client *signaling.Client, sess *session.Session) error {
	offer, err := client.FetchOffer(ctx)
	if err != nil {
		return err
	}
	answer, err := sess.AcceptOffer(offer.Description())
	if err != nil {
		return err
	}
	return client.SubmitAnswer(ctx, signaling.NewMessage(answer, offer.SessionID))
}

// negotiateAsOfferer 는 로컬 offer 를 보내고 서버의 answer 를 적용합니다.
func negotiateAsOfferer(ctx context.Context, client *signaling.Client, sess *session.Session) error {
	offer, err := sess.CreateOffer()
	if err != nil {
		return err
	}
	answer, err := client.ExchangeOffer(ctx, signaling.NewMessage(offer, ""))
	if err != nil {
		return err
	}
	return sess.AcceptAnswer(answer.Description())
}

func connectionObserver(logger logging.Logger) session.Observer {
	return func(ev rtc.Event) {
		switch e := ev.(type) {
		case rtc.Connected:
			logger.Info("peer connected", nil)
		case rtc.PeerStats:
			logger.Debug("peer stats", logging.Fields{
				"packets_tx": e.PacketsTx,
				"packets_rx": e.PacketsRx,
			})
		}
	}
}

func parseDuration(s string) (d time.Duration, err error) {
	d, err = time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}
