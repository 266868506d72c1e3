package rtc

import (
	"fmt"
	"net"
	"time"
)

// Protocol 은 엔진을 드나드는 데이터그램의 네트워크 프로토콜입니다.
type Protocol string

// 엔진은 UDP 만 사용합니다.
const ProtocolUDP Protocol = "udp"

// Receive 는 호출자가 네트워크에서 읽은 데이터그램입니다.
type Receive struct {
	Proto       Protocol
	Source      net.Addr
	Destination net.Addr
	// Contents 는 HandleInput 중에만 읽으며, 보관이 필요한 부분은 엔진이 복사합니다.
	Contents []byte
}

// Input 은 HandleInput 으로 엔진에 넣는 값입니다.
// Receive 가 없으면 엔진 시계만 진행합니다.
type Input struct {
	Now     time.Time
	Receive *Receive
}

// TimeoutInput 은 시간이 now 까지 흘렀음을 알립니다.
func TimeoutInput(now time.Time) Input {
	return Input{Now: now}
}

// ReceiveInput 은 수신한 데이터그램을 엔진에 넘깁니다.
func ReceiveInput(now time.Time, r Receive) Input {
	return Input{Now: now, Receive: &r}
}

// IsTimeout 은 데이터그램 없는 입력인지 알려줍니다.
func (in Input) IsTimeout() bool {
	return in.Receive == nil
}

// Output 은 PollOutput 이 내는 작업 단위입니다. (Timeout, *Transmit, Event 중 하나)
type Output interface {
	isOutput()
}

// Timeout 은 늦어도 At 까지 입력을 넣으라는 요청입니다.
type Timeout struct {
	At time.Time
}

// Transmit 은 호출자가 보내야 하는 데이터그램입니다.
type Transmit struct {
	Proto       Protocol
	Source      *net.UDPAddr
	Destination *net.UDPAddr
	Contents    []byte
}

func (Timeout) isOutput()   {}
func (*Transmit) isOutput() {}

// Event 는 PollOutput 이 알리는 세션 단위 사건입니다.
type Event interface {
	Output
	EventName() string
}

// IceConnectionState 는 세션의 연결 상태입니다.
type IceConnectionState int

const (
	IceNew IceConnectionState = iota
	IceChecking
	IceConnected
	IceDisconnected
)

func (s IceConnectionState) String() string {
	switch s {
	case IceNew:
		return "new"
	case IceChecking:
		return "checking"
	case IceConnected:
		return "connected"
	case IceDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IceConnectionStateChange 는 연결 상태가 바뀔 때마다 발생합니다.
type IceConnectionStateChange struct {
	State IceConnectionState
}

// Connected 는 후보 쌍이 처음 성공했을 때 한 번 발생합니다.
type Connected struct{}

// MediaAdded 는 협상에서 합의된 미디어 라인마다 발생합니다.
type MediaAdded struct {
	Mid       string
	Kind      MediaKind
	Direction Direction
	Codec     Codec
}

// MediaData 는 재정렬 버퍼가 내보낸 RTP 패킷 하나입니다.
type MediaData struct {
	Mid            string
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	Marker         bool
	Payload        []byte
}

// PeerStats 는 통계 주기마다 발생합니다.
type PeerStats struct {
	At        time.Time
	State     IceConnectionState
	PacketsRx uint64
	PacketsTx uint64
	BytesRx   uint64
	BytesTx   uint64
}

func (IceConnectionStateChange) isOutput() {}
func (Connected) isOutput()                {}
func (MediaAdded) isOutput()               {}
func (MediaData) isOutput()                {}
func (PeerStats) isOutput()                {}

func (IceConnectionStateChange) EventName() string { return "ice_connection_state_change" }
func (Connected) EventName() string                { return "connected" }
func (MediaAdded) EventName() string               { return "media_added" }
func (MediaData) EventName() string                { return "media_data" }
func (PeerStats) EventName() string                { return "peer_stats" }

// IsDisconnected 는 ev 가 마지막 연결 이벤트인지 알려줍니다.
func IsDisconnected(ev Event) bool {
	change, ok := ev.(IceConnectionStateChange)
	return ok && change.State == IceDisconnected
}
