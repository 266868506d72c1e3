package rtc

import "errors"

var (
	// ErrMalformedSDP is returned when a remote description cannot be parsed or lacks
	// the attributes the engine needs (ICE credentials, fingerprint, media lines).
	ErrMalformedSDP = errors.New("rtc: malformed session description")
	// ErrWrongSDPType is returned when an answer is passed where an offer is expected or the reverse.
	ErrWrongSDPType = errors.New("rtc: unexpected session description type")
	// ErrNoCompatibleMedia is returned when no media line shares a codec with the local configuration.
	ErrNoCompatibleMedia = errors.New("rtc: no compatible media line")
	// ErrNoLocalCandidates is returned when a description is requested before any host candidate exists.
	ErrNoLocalCandidates = errors.New("rtc: no local candidates")
	// ErrNoChanges is returned by Apply when no media was added.
	ErrNoChanges = errors.New("rtc: no pending sdp changes")
	// ErrOfferOutstanding is returned when a new negotiation starts while a local offer awaits its answer.
	ErrOfferOutstanding = errors.New("rtc: local offer awaiting answer")
	// ErrPendingMismatch is returned when AcceptAnswer gets a token that is not the outstanding offer.
	ErrPendingMismatch = errors.New("rtc: pending offer does not match engine state")
	// ErrRenegotiation is returned for a second negotiation on an already negotiated engine.
	ErrRenegotiation = errors.New("rtc: renegotiation is not supported")
	// ErrNoCodec is returned when media of a kind is added but no codec of that kind is enabled.
	ErrNoCodec = errors.New("rtc: no codec enabled for media kind")
	// ErrInvalidCandidate is returned for candidates the engine cannot use.
	ErrInvalidCandidate = errors.New("rtc: invalid candidate")
	// ErrUnknownDatagram is returned by HandleInput for contents that are neither
	// STUN, DTLS, RTP nor RTCP.
	ErrUnknownDatagram = errors.New("rtc: unknown datagram")
)
