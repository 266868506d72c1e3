package rtc

import (
	"strconv"
	"strings"
)

// MediaKind 는 m= 라인의 미디어 종류입니다.
type MediaKind string

const (
	MediaKindVideo MediaKind = "video"
	MediaKindAudio MediaKind = "audio"
)

// Direction 은 미디어 방향 속성입니다.
type Direction string

const (
	DirectionSendRecv Direction = "sendrecv"
	DirectionSendOnly Direction = "sendonly"
	DirectionRecvOnly Direction = "recvonly"
	DirectionInactive Direction = "inactive"
)

// Reverse 는 원격 방향에 대해 answer 쪽이 쓸 방향을 반환합니다.
func (d Direction) Reverse() Direction {
	switch d {
	case DirectionSendOnly:
		return DirectionRecvOnly
	case DirectionRecvOnly:
		return DirectionSendOnly
	case DirectionInactive:
		return DirectionInactive
	default:
		return DirectionSendRecv
	}
}

func parseDirection(s string) (Direction, bool) {
	switch Direction(s) {
	case DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive:
		return Direction(s), true
	}
	return "", false
}

// Codec 은 엔진이 협상할 수 있는 RTP payload 형식입니다.
type Codec struct {
	Kind        MediaKind
	PayloadType uint8
	Name        string
	ClockRate   uint32
	Channels    uint16
	Fmtp        string
}

var (
	// CodecH264 는 constrained baseline, packetization-mode 1 입니다.
	CodecH264 = Codec{
		Kind:        MediaKindVideo,
		PayloadType: 96,
		Name:        "H264",
		ClockRate:   90000,
		Fmtp:        "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
	}
	CodecVP8 = Codec{
		Kind:        MediaKindVideo,
		PayloadType: 97,
		Name:        "VP8",
		ClockRate:   90000,
	}
	CodecOpus = Codec{
		Kind:        MediaKindAudio,
		PayloadType: 111,
		Name:        "opus",
		ClockRate:   48000,
		Channels:    2,
		Fmtp:        "minptime=10;useinbandfec=1",
	}
)

// compatible 은 원격 코덱에 c 로 답할 수 있는지 알려줍니다.
func (c Codec) compatible(remote Codec) bool {
	if !strings.EqualFold(c.Name, remote.Name) || c.ClockRate != remote.ClockRate {
		return false
	}
	if strings.EqualFold(c.Name, "H264") {
		return fmtpParam(c.Fmtp, "packetization-mode", "0") == fmtpParam(remote.Fmtp, "packetization-mode", "0")
	}
	return true
}

func fmtpParam(fmtp, key, def string) string {
	for _, part := range strings.Split(fmtp, ";") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], key) {
			return strings.TrimSpace(kv[1])
		}
	}
	return def
}

// parseRtpmap 은 "96 H264/90000[/2]" 를 파싱합니다.
func parseRtpmap(value string) (uint8, Codec, bool) {
	fields := strings.Fields(value)
	if len(fields) != 2 {
		return 0, Codec{}, false
	}
	pt, err := strconv.ParseUint(fields[0], 10, 8)
	if err != nil {
		return 0, Codec{}, false
	}
	parts := strings.Split(fields[1], "/")
	if len(parts) < 2 {
		return 0, Codec{}, false
	}
	rate, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, Codec{}, false
	}
	c := Codec{PayloadType: uint8(pt), Name: parts[0], ClockRate: uint32(rate)}
	if len(parts) > 2 {
		if ch, err := strconv.ParseUint(parts[2], 10, 16); err == nil {
			c.Channels = uint16(ch)
		}
	}
	return uint8(pt), c, true
}

// parseFmtp 는 "96 key=value;..." 를 파싱합니다.
func parseFmtp(value string) (uint8, string, bool) {
	fields := strings.SplitN(strings.TrimSpace(value), " ", 2)
	if len(fields) != 2 {
		return 0, "", false
	}
	pt, err := strconv.ParseUint(fields[0], 10, 8)
	if err != nil {
		return 0, "", false
	}
	return uint8(pt), strings.TrimSpace(fields[1]), true
}
