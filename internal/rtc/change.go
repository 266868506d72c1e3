package rtc

import (
	"fmt"
	"strconv"
)

// PendingOffer 는 Apply 가 offer 와 함께 반환하는 토큰입니다.
// 원격 answer 와 함께 AcceptAnswer 에 넘겨야 하며 answer 하나에만 쓸 수 있습니다.
type PendingOffer struct {
	version uint64
	medias  []mediaLine
}

// SdpAPI 는 미디어 변경을 모아 엔진에 대해 offer/answer 를 수행합니다.
type SdpAPI struct {
	rtc  *Rtc
	adds []mediaLine
}

// SdpAPI 는 새 SDP 변경 묶음을 시작합니다.
func (r *Rtc) SdpAPI() *SdpAPI {
	return &SdpAPI{rtc: r}
}

// AddMedia 는 미디어 라인을 추가하고 mid 를 반환합니다.
func (s *SdpAPI) AddMedia(kind MediaKind, dir Direction) string {
	mid := strconv.Itoa(len(s.rtc.medias) + len(s.adds))
	s.adds = append(s.adds, mediaLine{mid: mid, kind: kind, direction: dir})
	return mid
}

// Apply 는 쌓인 변경을 로컬 offer 로 만듭니다.
func (s *SdpAPI) Apply() (SessionDescription, *PendingOffer, error) {
	r := s.rtc
	if err := r.canNegotiate(); err != nil {
		return SessionDescription{}, nil, err
	}
	if len(s.adds) == 0 {
		return SessionDescription{}, nil, ErrNoChanges
	}

	medias := make([]mediaLine, 0, len(s.adds))
	for _, m := range s.adds {
		m.codecs = r.cfg.codecsFor(m.kind)
		if len(m.codecs) == 0 {
			return SessionDescription{}, nil, fmt.Errorf("%w: %s", ErrNoCodec, m.kind)
		}
		medias = append(medias, m)
	}

	r.version++
	offer, err := r.localDescription(setupActPass, medias).marshal(SDPTypeOffer, r.sessionID, r.version)
	if err != nil {
		return SessionDescription{}, nil, err
	}
	s.adds = nil
	r.pending = &PendingOffer{version: r.version, medias: medias}
	r.log.Debugf("created offer v%d with %d media lines", r.version, len(medias))
	return offer, r.pending, nil
}

// AcceptOffer 는 원격 offer 에 answer 를 만듭니다.
// 엔진은 controlled ICE 에이전트가 되고 바로 연결 검사를 시작합니다.
func (s *SdpAPI) AcceptOffer(offer SessionDescription) (SessionDescription, error) {
	r := s.rtc
	if err := r.canNegotiate(); err != nil {
		return SessionDescription{}, err
	}
	if offer.Type != SDPTypeOffer {
		return SessionDescription{}, fmt.Errorf("%w: got %q, want offer", ErrWrongSDPType, offer.Type)
	}
	remote, err := parseDescription(offer.SDP, r.skippedCandidate)
	if err != nil {
		return SessionDescription{}, err
	}

	answered := make([]mediaLine, 0, len(remote.medias))
	var accepted []*media
	for _, rm := range remote.medias {
		codec, ok := r.pickCodec(rm)
		if !ok {
			r.log.Infof("rejecting %s media line mid=%s: no compatible codec", rm.kind, rm.mid)
			answered = append(answered, mediaLine{mid: rm.mid, kind: rm.kind, rejected: true, formats: rm.formats})
			continue
		}
		line := mediaLine{mid: rm.mid, kind: rm.kind, direction: rm.direction.Reverse(), codecs: []Codec{codec}}
		answered = append(answered, line)
		accepted = append(accepted, r.newMedia(line, codec))
	}
	if len(accepted) == 0 {
		return SessionDescription{}, ErrNoCompatibleMedia
	}

	r.version++
	answer, err := r.localDescription(answerSetup(remote.setup), answered).marshal(SDPTypeAnswer, r.sessionID, r.version)
	if err != nil {
		return SessionDescription{}, err
	}
	r.commit(remote, accepted, false)
	return answer, nil
}

// AcceptAnswer 는 pending 토큰의 offer 에 대한 협상을 마칩니다.
// answer 가 거부되어도 토큰은 소모됩니다.
func (s *SdpAPI) AcceptAnswer(pending *PendingOffer, answer SessionDescription) error {
	r := s.rtc
	if pending == nil || r.pending != pending {
		return ErrPendingMismatch
	}
	r.pending = nil

	if answer.Type != SDPTypeAnswer {
		return fmt.Errorf("%w: got %q, want answer", ErrWrongSDPType, answer.Type)
	}
	remote, err := parseDescription(answer.SDP, r.skippedCandidate)
	if err != nil {
		return err
	}

	var accepted []*media
	for _, offered := range pending.medias {
		rm, ok := findMedia(remote.medias, offered.mid)
		if !ok || rm.rejected {
			r.log.Infof("remote rejected media line mid=%s", offered.mid)
			continue
		}
		codec, ok := matchAnswered(offered.codecs, rm.codecs)
		if !ok {
			r.log.Warnf("answer for mid=%s has no codec from the offer", offered.mid)
			continue
		}
		line := mediaLine{mid: offered.mid, kind: offered.kind, direction: rm.direction.Reverse()}
		accepted = append(accepted, r.newMedia(line, codec))
	}
	if len(accepted) == 0 {
		return ErrNoCompatibleMedia
	}
	r.commit(remote, accepted, true)
	return nil
}

func findMedia(lines []mediaLine, mid string) (mediaLine, bool) {
	for _, m := range lines {
		if m.mid == mid {
			return m, true
		}
	}
	return mediaLine{}, false
}

// matchAnswered 는 offer 에 있던 코덱 중 answer 에 처음 나온 것을 반환합니다.
func matchAnswered(offered, answered []Codec) (Codec, bool) {
	for _, a := range answered {
		for _, o := range offered {
			if o.PayloadType == a.PayloadType && o.compatible(a) {
				return o, true
			}
		}
	}
	return Codec{}, false
}

// pickCodec 은 로컬에서 켜진 코덱 중 원격이 가장 선호하는 것을 고릅니다.
// answer 는 offerer 의 payload type 을 그대로 씁니다.
func (r *Rtc) pickCodec(rm mediaLine) (Codec, bool) {
	if rm.rejected {
		return Codec{}, false
	}
	local := r.cfg.codecsFor(rm.kind)
	for _, remote := range rm.codecs {
		for _, l := range local {
			if l.compatible(remote) {
				c := l
				c.PayloadType = remote.PayloadType
				return c, true
			}
		}
	}
	return Codec{}, false
}

func (r *Rtc) skippedCandidate(raw string, err error) {
	r.log.Debugf("skipping remote candidate %q: %v", raw, err)
}
