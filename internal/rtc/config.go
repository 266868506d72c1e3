package rtc

import (
	"fmt"
	"time"

	"github.com/pion/logging"
)

const (
	defaultReorderVideo         = 30
	defaultReorderAudio         = 15
	defaultICEDisconnectTimeout = 5 * time.Second
	defaultICECheckingTimeout   = 30 * time.Second
)

// Config 는 엔진 설정 모음입니다. setter 는 Config 를 반환하므로 이어서 호출할 수 있습니다.
type Config struct {
	codecs               []Codec
	reorderVideo         int
	reorderAudio         int
	statsInterval        time.Duration
	iceDisconnectTimeout time.Duration
	iceCheckingTimeout   time.Duration
	loggerFactory        logging.LoggerFactory
}

// NewConfig 는 기본 설정을 반환합니다. H264/VP8/Opus 사용,
// 재정렬 깊이 30/15, 통계 이벤트 없음.
func NewConfig() *Config {
	return &Config{
		codecs:               []Codec{CodecH264, CodecVP8, CodecOpus},
		reorderVideo:         defaultReorderVideo,
		reorderAudio:         defaultReorderAudio,
		iceDisconnectTimeout: defaultICEDisconnectTimeout,
		iceCheckingTimeout:   defaultICECheckingTimeout,
	}
}

// ClearCodecs 는 모든 코덱을 끕니다.
func (c *Config) ClearCodecs() *Config {
	c.codecs = nil
	return c
}

func (c *Config) enable(codec Codec, enabled bool) *Config {
	out := c.codecs[:0:0]
	for _, existing := range c.codecs {
		if existing.PayloadType != codec.PayloadType {
			out = append(out, existing)
		}
	}
	if enabled {
		out = append(out, codec)
	}
	c.codecs = out
	return c
}

func (c *Config) EnableH264(enabled bool) *Config { return c.enable(CodecH264, enabled) }
func (c *Config) EnableVP8(enabled bool) *Config  { return c.enable(CodecVP8, enabled) }
func (c *Config) EnableOpus(enabled bool) *Config { return c.enable(CodecOpus, enabled) }

// SetReorderingSizeVideo 는 재정렬을 위해 잡아둘 비디오 패킷 수입니다.
// 1 이면 도착하는 즉시 내보냅니다.
func (c *Config) SetReorderingSizeVideo(n int) *Config {
	c.reorderVideo = n
	return c
}

// SetReorderingSizeAudio 는 오디오용 SetReorderingSizeVideo 입니다.
func (c *Config) SetReorderingSizeAudio(n int) *Config {
	c.reorderAudio = n
	return c
}

// SetStatsInterval 은 PeerStats 이벤트 주기입니다. 0 이면 끕니다.
func (c *Config) SetStatsInterval(d time.Duration) *Config {
	c.statsInterval = d
	return c
}

// SetICEDisconnectTimeout 은 연결된 세션이 수신 트래픽 없이 버틸 시간이며,
// 넘기면 Disconnected 로 보고됩니다.
func (c *Config) SetICEDisconnectTimeout(d time.Duration) *Config {
	c.iceDisconnectTimeout = d
	return c
}

// SetICECheckingTimeout 은 연결 검사가 성공 없이 진행될 수 있는 최대 시간입니다.
func (c *Config) SetICECheckingTimeout(d time.Duration) *Config {
	c.iceCheckingTimeout = d
	return c
}

func (c *Config) SetLoggerFactory(f logging.LoggerFactory) *Config {
	c.loggerFactory = f
	return c
}

// Codecs 는 켜진 코덱을 선호 순서대로 반환합니다.
func (c *Config) Codecs() []Codec {
	return append([]Codec(nil), c.codecs...)
}

func (c *Config) validate() error {
	if c.reorderVideo < 1 || c.reorderAudio < 1 {
		return fmt.Errorf("rtc: reordering size must be at least 1 (video=%d audio=%d)", c.reorderVideo, c.reorderAudio)
	}
	if c.statsInterval < 0 {
		return fmt.Errorf("rtc: negative stats interval %s", c.statsInterval)
	}
	if c.iceDisconnectTimeout <= 0 || c.iceCheckingTimeout <= 0 {
		return fmt.Errorf("rtc: ice timeouts must be positive")
	}
	return nil
}

func (c *Config) codecsFor(kind MediaKind) []Codec {
	var out []Codec
	for _, codec := range c.codecs {
		if codec.Kind == kind {
			out = append(out, codec)
		}
	}
	return out
}

func (c *Config) reorderDepth(kind MediaKind) int {
	if kind == MediaKindAudio {
		return c.reorderAudio
	}
	return c.reorderVideo
}
