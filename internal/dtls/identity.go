package dtls

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/dtls/v3/pkg/crypto/fingerprint"
	"github.com/pion/dtls/v3/pkg/crypto/selfsign"
)

// FingerprintAlgorithm 은 SDP a=fingerprint 에 사용하는 해시 알고리즘 이름입니다.
const FingerprintAlgorithm = "sha-256"

// ErrInvalidFingerprint 는 원격 SDP 의 fingerprint 가 형식에 맞지 않을 때 반환됩니다.
var ErrInvalidFingerprint = errors.New("dtls: invalid certificate fingerprint")

// Identity 는 세션 엔진이 SDP 로 광고하는 DTLS 인증서입니다. (ko)
// Identity is the DTLS certificate an engine advertises through SDP. (en)
type Identity struct {
	Certificate tls.Certificate
	leaf        *x509.Certificate
}

// NewIdentity 는 세션마다 새로운 self-signed 인증서를 생성합니다.
func NewIdentity() (*Identity, error) {
	cert, err := selfsign.GenerateSelfSigned()
	if err != nil {
		return nil, fmt.Errorf("dtls: generate self-signed certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("dtls: parse certificate: %w", err)
	}
	return &Identity{Certificate: cert, leaf: leaf}, nil
}

// Fingerprint 는 a=fingerprint 값 (알고리즘, 콜론 구분 hex) 을 반환합니다.
func (id *Identity) Fingerprint() (string, string, error) {
	fp, err := fingerprint.Fingerprint(id.leaf, crypto.SHA256)
	if err != nil {
		return "", "", fmt.Errorf("dtls: fingerprint: %w", err)
	}
	return FingerprintAlgorithm, strings.ToUpper(fp), nil
}

// ValidateFingerprint 는 "sha-256 AB:CD:..." 형태의 원격 fingerprint 가
// 지원하는 알고리즘이고 해시 길이가 맞는지 검사합니다.
func ValidateFingerprint(algorithm, value string) error {
	hash, err := fingerprint.HashFromString(strings.ToLower(algorithm))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFingerprint, err)
	}
	raw, err := hex.DecodeString(strings.ReplaceAll(value, ":", ""))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFingerprint, err)
	}
	if len(raw) != hash.Size() {
		return fmt.Errorf("%w: %s digest has %d bytes, want %d", ErrInvalidFingerprint, algorithm, len(raw), hash.Size())
	}
	return nil
}

// NewSelfSignedTLSConfig 는 debug 모드 시그널링 HTTPS 서버용 self-signed TLS 설정을 생성합니다.
//
// 클라이언트 측에서는 debug 모드에서 InsecureSkipVerify 를 true 로 두어
// 체인 검증을 스킵하는 방식으로 사용합니다.
func NewSelfSignedTLSConfig(hosts ...string) (*tls.Config, error) {
	sans := append([]string{"localhost"}, hosts...)
	cert, err := selfsign.GenerateSelfSignedWithDNS("localhost", sans...)
	if err != nil {
		return nil, fmt.Errorf("dtls: generate signaling certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
