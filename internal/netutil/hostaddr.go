// Package netutil 은 세션 호스트 후보와 시그널링 바인드 주소로 사용할
// 로컬 IPv4 주소를 찾습니다.
//
// 주소는 프로세스 시작 시 한 번 계산해 필요한 컴포넌트에 명시적으로 전달합니다.
package netutil

import (
	"errors"
	"fmt"
	"net"

	transport "github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"
)

// ErrNoUsableAddress 는 사용할 수 있는 IPv4 주소가 하나도 없을 때 반환됩니다.
var ErrNoUsableAddress = errors.New("netutil: found no usable network interface address")

// DiscoverHostAddress 는 시스템 네트워크 인터페이스에서 호스트 주소를 찾습니다.
// n 이 nil 이면 stdnet 을 사용합니다.
func DiscoverHostAddress(n transport.Net) (net.IP, error) {
	if n == nil {
		std, err := stdnet.NewNet()
		if err != nil {
			return nil, fmt.Errorf("netutil: create stdnet: %w", err)
		}
		n = std
	}
	ifaces, err := n.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("netutil: list interfaces: %w", err)
	}
	return SelectHostAddress(ifaces)
}

// SelectHostAddress 는 인터페이스 순서대로 훑어 loopback, link-local, broadcast 가 아닌
// 첫 번째 IPv4 주소를 반환합니다.
func SelectHostAddress(ifaces []*transport.Interface) (net.IP, error) {
	for _, ifc := range ifaces {
		if ifc == nil {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			// 주소가 없는 인터페이스
			continue
		}
		for _, addr := range addrs {
			if ip, ok := usableIPv4(addr); ok {
				return ip, nil
			}
		}
	}
	return nil, ErrNoUsableAddress
}

// ParseHostAddress 는 HOP_HOST_ADDR 처럼 명시적으로 지정된 주소를 검사합니다.
func ParseHostAddress(s string) (net.IP, error) {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return nil, fmt.Errorf("netutil: %q is not an IPv4 address", s)
	}
	if _, ok := usableIPv4(&net.IPAddr{IP: ip}); !ok {
		return nil, fmt.Errorf("netutil: %s is not usable as a host candidate", ip)
	}
	return ip, nil
}

func usableIPv4(addr net.Addr) (net.IP, bool) {
	var (
		ip   net.IP
		mask net.IPMask
	)
	switch a := addr.(type) {
	case *net.IPNet:
		ip, mask = a.IP, a.Mask
	case *net.IPAddr:
		ip = a.IP
	default:
		return nil, false
	}

	v4 := ip.To4()
	if v4 == nil {
		return nil, false
	}
	if v4.IsLoopback() || v4.IsLinkLocalUnicast() || v4.IsUnspecified() || v4.Equal(net.IPv4bcast) {
		return nil, false
	}
	if isSubnetBroadcast(v4, mask) {
		return nil, false
	}
	return v4, true
}

func isSubnetBroadcast(ip net.IP, mask net.IPMask) bool {
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	if len(mask) != net.IPv4len {
		return false
	}
	if ones, _ := mask.Size(); ones >= 31 {
		return false
	}
	for i := 0; i < net.IPv4len; i++ {
		if ip[i]|mask[i] != 0xff {
			return false
		}
	}
	return true
}
