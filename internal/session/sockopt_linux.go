//go:build linux

package session

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/dalbodeule/hop-call/internal/logging"
)

const (
	// dscpEF 는 Expedited Forwarding(46) 을 TOS 바이트 상위 6비트에 둔 값입니다.
	dscpEF = 46 << 2
	// socketPriority 6 은 대화형 미디어 트래픽용 우선순위입니다.
	socketPriority = 6
)

// tuneSocket 은 세션 소켓에 QoS 마킹을 적용합니다. 실패(컨테이너 권한 등)는 debug 로그만 남깁니다.
func tuneSocket(conn any, log logging.Logger) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		log.Debug("socket tuning skipped", logging.Fields{"error": err})
		return
	}
	var optErr error
	err = raw.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, dscpEF); e != nil {
			optErr = e
		}
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, socketPriority); e != nil {
			optErr = e
		}
	})
	if err == nil {
		err = optErr
	}
	if err != nil {
		log.Debug("socket tuning failed", logging.Fields{"error": err})
	}
}
