package rtc

import (
	"fmt"
	"net"

	"github.com/pion/ice/v4"
)

// Candidate 는 엔진이 짝지을 수 있는 ICE 후보입니다.
type Candidate struct {
	addr *net.UDPAddr
	raw  string
	prio uint32
}

// HostCandidate 는 로컬에서 도달 가능한 주소로 UDP host 후보를 만듭니다.
func HostCandidate(addr *net.UDPAddr) (Candidate, error) {
	if addr == nil || addr.IP.To4() == nil || addr.IP.IsUnspecified() || addr.Port == 0 {
		return Candidate{}, fmt.Errorf("%w: host candidate needs a concrete IPv4 address and port, got %v", ErrInvalidCandidate, addr)
	}
	c, err := ice.NewCandidateHost(&ice.CandidateHostConfig{
		Network:   "udp",
		Address:   addr.IP.String(),
		Port:      addr.Port,
		Component: ice.ComponentRTP,
	})
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: %v", ErrInvalidCandidate, err)
	}
	return Candidate{
		addr: &net.UDPAddr{IP: addr.IP.To4(), Port: addr.Port},
		raw:  c.Marshal(),
		prio: c.Priority(),
	}, nil
}

func parseCandidate(raw string) (Candidate, error) {
	c, err := ice.UnmarshalCandidate(raw)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: %v", ErrInvalidCandidate, err)
	}
	if !c.NetworkType().IsUDP() {
		return Candidate{}, fmt.Errorf("%w: %s is not udp", ErrInvalidCandidate, raw)
	}
	ip := net.ParseIP(c.Address())
	if ip == nil {
		return Candidate{}, fmt.Errorf("%w: unresolved address %q", ErrInvalidCandidate, c.Address())
	}
	// 로컬 소켓은 udp4 이므로 같은 주소 체계끼리만 짝을 짓습니다. (RFC 8445 6.1.2.2)
	if ip.To4() == nil {
		return Candidate{}, fmt.Errorf("%w: %s is not an IPv4 address", ErrInvalidCandidate, c.Address())
	}
	return Candidate{
		addr: &net.UDPAddr{IP: ip.To4(), Port: c.Port()},
		raw:  c.Marshal(),
		prio: c.Priority(),
	}, nil
}

func peerReflexive(addr *net.UDPAddr) Candidate {
	return Candidate{addr: addr, prio: prflxPriority}
}

// Addr 는 후보의 전송 주소입니다.
func (c Candidate) Addr() *net.UDPAddr { return c.addr }

// Priority 는 후보의 ICE 우선순위입니다.
func (c Candidate) Priority() uint32 { return c.prio }

// Marshal 은 a=candidate 속성 값을 반환합니다.
func (c Candidate) Marshal() string { return c.raw }

func (c Candidate) sameAddr(a *net.UDPAddr) bool {
	return c.addr != nil && a != nil && c.addr.Port == a.Port && c.addr.IP.Equal(a.IP)
}
