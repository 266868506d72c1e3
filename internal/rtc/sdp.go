package rtc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/dalbodeule/hop-call/internal/dtls"
)

// SDPType 은 offer/answer 에서 세션 기술의 역할입니다.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription 은 offer/answer 역할이 붙은 SDP 입니다.
// JSON 모양은 브라우저가 주고받는 것과 같습니다.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

const (
	setupActPass = "actpass"
	setupActive  = "active"
	setupPassive = "passive"

	discardPort = 9
)

var mediaProtos = []string{"UDP", "TLS", "RTP", "SAVPF"}

// mediaLine 은 엔진 관점의 m= 섹션 하나입니다.
type mediaLine struct {
	mid       string
	kind      MediaKind
	direction Direction
	codecs    []Codec
	// 거부된 라인은 port 0 이고 원격 포맷만 되돌려줍니다.
	rejected bool
	formats  []string
}

// description 은 로컬/원격 SDP 의 엔진 쪽 표현입니다.
type description struct {
	ufrag       string
	pwd         string
	fpAlgorithm string
	fpValue     string
	setup       string
	candidates  []Candidate
	medias      []mediaLine
}

func (d *description) marshal(typ SDPType, sessionID, version uint64) (SessionDescription, error) {
	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "0.0.0.0",
		},
		SessionName:      "-",
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}

	var bundle []string
	for _, m := range d.medias {
		if !m.rejected {
			bundle = append(bundle, m.mid)
		}
	}
	if len(bundle) > 0 {
		sd = sd.WithValueAttribute("group", "BUNDLE "+strings.Join(bundle, " "))
	}
	sd = sd.WithFingerprint(d.fpAlgorithm, d.fpValue)

	for _, m := range d.medias {
		sd.MediaDescriptions = append(sd.MediaDescriptions, d.mediaDescription(m))
	}

	raw, err := sd.Marshal()
	if err != nil {
		return SessionDescription{}, fmt.Errorf("rtc: marshal sdp: %w", err)
	}
	return SessionDescription{Type: typ, SDP: string(raw)}, nil
}

func (d *description) mediaDescription(m mediaLine) *sdp.MediaDescription {
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  string(m.kind),
			Port:   sdp.RangedPort{Value: discardPort},
			Protos: mediaProtos,
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
	}
	if m.rejected {
		md.MediaName.Port = sdp.RangedPort{Value: 0}
		md.MediaName.Formats = m.formats
		return md.WithValueAttribute("mid", m.mid)
	}

	md = md.
		WithValueAttribute("mid", m.mid).
		WithICECredentials(d.ufrag, d.pwd).
		WithValueAttribute("setup", d.setup).
		WithPropertyAttribute(string(m.direction)).
		WithPropertyAttribute("rtcp-mux")
	for _, c := range m.codecs {
		md = md.WithCodec(c.PayloadType, c.Name, c.ClockRate, c.Channels, c.Fmtp)
	}
	for _, c := range d.candidates {
		md = md.WithCandidate(c.Marshal())
	}
	return md.WithPropertyAttribute("end-of-candidates")
}

// parseDescription 은 원격 SDP 에서 엔진이 쓰는 부분을 읽습니다.
// 쓸 수 없는 후보 (tcp, IPv6, 풀리지 않은 mDNS 이름) 는 건너뜁니다.
func parseDescription(raw string, skipped func(string, error)) (*description, error) {
	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSDP, err)
	}
	if len(sd.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("%w: no media lines", ErrMalformedSDP)
	}

	d := &description{}
	d.ufrag, _ = sd.Attribute("ice-ufrag")
	d.pwd, _ = sd.Attribute("ice-pwd")
	d.setup, _ = sd.Attribute("setup")
	fp, _ := sd.Attribute("fingerprint")

	for i, md := range sd.MediaDescriptions {
		if v, ok := md.Attribute("ice-ufrag"); ok {
			d.ufrag = v
		}
		if v, ok := md.Attribute("ice-pwd"); ok {
			d.pwd = v
		}
		if v, ok := md.Attribute("setup"); ok {
			d.setup = v
		}
		if v, ok := md.Attribute("fingerprint"); ok {
			fp = v
		}

		m := mediaLine{
			mid:       strconv.Itoa(i),
			kind:      MediaKind(md.MediaName.Media),
			direction: DirectionSendRecv,
			formats:   md.MediaName.Formats,
			rejected:  md.MediaName.Port.Value == 0,
		}
		rtpmaps := map[uint8]Codec{}
		fmtps := map[uint8]string{}
		for _, a := range md.Attributes {
			switch a.Key {
			case "mid":
				m.mid = a.Value
			case "rtpmap":
				if pt, c, ok := parseRtpmap(a.Value); ok {
					rtpmaps[pt] = c
				}
			case "fmtp":
				if pt, f, ok := parseFmtp(a.Value); ok {
					fmtps[pt] = f
				}
			case "candidate":
				c, err := parseCandidate(a.Value)
				if err != nil {
					skipped(a.Value, err)
					continue
				}
				d.candidates = append(d.candidates, c)
			default:
				if dir, ok := parseDirection(a.Key); ok {
					m.direction = dir
				}
			}
		}
		for _, f := range md.MediaName.Formats {
			pt, err := strconv.ParseUint(f, 10, 8)
			if err != nil {
				continue
			}
			c, ok := rtpmaps[uint8(pt)]
			if !ok {
				continue
			}
			c.Kind = m.kind
			c.Fmtp = fmtps[uint8(pt)]
			m.codecs = append(m.codecs, c)
		}
		d.medias = append(d.medias, m)
	}

	if d.ufrag == "" || d.pwd == "" {
		return nil, fmt.Errorf("%w: missing ice credentials", ErrMalformedSDP)
	}
	parts := strings.Fields(fp)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: missing or malformed fingerprint %q", ErrMalformedSDP, fp)
	}
	if err := dtls.ValidateFingerprint(parts[0], parts[1]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSDP, err)
	}
	d.fpAlgorithm, d.fpValue = parts[0], parts[1]
	return d, nil
}

// answerSetup 은 offerer 의 setup 속성에 맞춰 answer 의 DTLS 역할을 고릅니다.
func answerSetup(remote string) string {
	if remote == setupActive {
		return setupPassive
	}
	return setupActive
}
