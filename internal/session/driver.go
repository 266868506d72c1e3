package session

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/dalbodeule/hop-call/internal/logging"
	"github.com/dalbodeule/hop-call/internal/observability"
	"github.com/dalbodeule/hop-call/internal/rtc"
)

// receiveBufferSize 는 UDP 패킷 하나를 담기에 충분한 수신 버퍼 크기입니다.
const receiveBufferSize = 2000

// Engine 은 드라이버가 구동하는 poll/feed 방식 전송 엔진입니다. *rtc.Rtc 가 구현합니다.
type Engine interface {
	PollOutput() (rtc.Output, error)
	HandleInput(in rtc.Input) error
	Disconnect(now time.Time) error
}

// PacketConn 은 드라이버가 사용하는 데이터그램 소켓의 부분 집합입니다.
type PacketConn interface {
	ReadFrom(p []byte) (int, net.Addr, error)
	WriteTo(p []byte, addr net.Addr) (int, error)
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
}

// Observer 는 Disconnected 이외의 엔진 이벤트를 받습니다. 드라이버 goroutine 에서 호출됩니다.
type Observer func(ev rtc.Event)

// Driver 는 하나의 세션을 종료될 때까지 구동하는 이벤트 루프입니다.
//
// 엔진이 요청한 timeout 보다 오래 블록하지 않으며, 엔진 호출(poll/feed)과 송신은
// 항상 같은 goroutine 에서 순차적으로 일어납니다.
type Driver struct {
	engine   Engine
	conn     PacketConn
	log      logging.Logger
	now      func() time.Time
	observer Observer
	buf      []byte

	disconnecting bool
}

// NewDriver 는 engine 과 conn 을 구동하는 Driver 를 생성합니다. now 가 nil 이면 time.Now 를 사용합니다.
func NewDriver(engine Engine, conn PacketConn, log logging.Logger, now func() time.Time) *Driver {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Driver{
		engine: engine,
		conn:   conn,
		log:    log,
		now:    now,
		buf:    make([]byte, receiveBufferSize),
	}
}

// SetObserver 는 엔진 이벤트 콜백을 등록합니다. Run 전에 호출해야 합니다.
func (d *Driver) SetObserver(o Observer) {
	d.observer = o
}

// Run 은 Disconnected 이벤트(nil 반환) 또는 치명적 오류가 발생할 때까지 루프를 돕니다.
//
// ctx 가 취소되면 블록 중인 수신을 깨우고 엔진에 Disconnect 를 요청합니다.
// 이후 엔진이 내보내는 BYE 와 Disconnected 이벤트를 거쳐 정상 경로로 종료합니다.
func (d *Driver) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = d.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		if ctx.Err() != nil && !d.disconnecting {
			d.disconnecting = true
			d.log.Info("session cancelled, disconnecting", logging.Fields{"cause": context.Cause(ctx)})
			if err := d.engine.Disconnect(d.now()); err != nil {
				return &IOError{Op: "disconnect", Err: err}
			}
		}

		out, err := d.engine.PollOutput()
		if err != nil {
			return &IOError{Op: "poll", Err: err}
		}

		switch o := out.(type) {
		case *rtc.Transmit:
			if err := d.transmit(o); err != nil {
				return err
			}
		case rtc.Event:
			observability.EngineEventsTotal.WithLabelValues(o.EventName()).Inc()
			if rtc.IsDisconnected(o) {
				d.log.Info("session disconnected", nil)
				return nil
			}
			d.observe(o)
		case rtc.Timeout:
			if err := d.waitAndFeed(ctx, o.At); err != nil {
				return err
			}
		default:
			d.log.Debug("ignoring unknown engine output", logging.Fields{"output": out})
		}
	}
}

// waitAndFeed 는 at 까지 최대 한 개의 데이터그램을 기다린 뒤 엔진에 입력을 전달합니다.
func (d *Driver) waitAndFeed(ctx context.Context, at time.Time) error {
	now := d.now()
	wait := at.Sub(now)
	if wait <= 0 {
		// 0 길이 대기는 이식성 있는 의미가 없으므로 블록하지 않고 시간만 진행시킵니다.
		return d.advance(now)
	}

	if err := d.conn.SetReadDeadline(now.Add(wait)); err != nil {
		return &IOError{Op: "set_read_deadline", Err: err}
	}
	// 취소가 루프 검사와 deadline 설정 사이에 들어오면 AfterFunc 의 deadline 이 덮어써집니다.
	if ctx.Err() != nil && !d.disconnecting {
		return d.advance(d.now())
	}
	n, src, err := d.conn.ReadFrom(d.buf)
	if err != nil {
		if isTimeout(err) {
			return d.advance(d.now())
		}
		return &IOError{Op: "read", Err: err}
	}

	observability.DatagramsTotal.WithLabelValues("rx").Inc()
	observability.DatagramBytesTotal.WithLabelValues("rx").Add(float64(n))

	in := rtc.ReceiveInput(d.now(), rtc.Receive{
		Proto:       rtc.ProtocolUDP,
		Source:      src,
		Destination: d.conn.LocalAddr(),
		Contents:    d.buf[:n],
	})
	if err := d.engine.HandleInput(in); err != nil {
		return &IOError{Op: "handle_input", Err: err}
	}
	return nil
}

func (d *Driver) advance(now time.Time) error {
	observability.DriverTimeAdvancesTotal.Inc()
	if err := d.engine.HandleInput(rtc.TimeoutInput(now)); err != nil {
		return &IOError{Op: "handle_input", Err: err}
	}
	return nil
}

func (d *Driver) transmit(t *rtc.Transmit) error {
	n, err := d.conn.WriteTo(t.Contents, t.Destination)
	if err != nil {
		if isWouldBlock(err) {
			d.log.Debug("send buffer full, dropping datagram", logging.Fields{
				"destination": t.Destination.String(),
				"bytes":       len(t.Contents),
			})
			return nil
		}
		return &IOError{Op: "write", Err: err}
	}
	observability.DatagramsTotal.WithLabelValues("tx").Inc()
	observability.DatagramBytesTotal.WithLabelValues("tx").Add(float64(n))
	return nil
}

func (d *Driver) observe(ev rtc.Event) {
	switch e := ev.(type) {
	case rtc.IceConnectionStateChange:
		d.log.Info("ice connection state changed", logging.Fields{"state": e.State.String()})
	case rtc.Connected:
		d.log.Info("session connected", nil)
	case rtc.MediaAdded:
		d.log.Info("media added", logging.Fields{
			"mid":       e.Mid,
			"kind":      string(e.Kind),
			"direction": string(e.Direction),
			"codec":     e.Codec.Name,
		})
	case rtc.PeerStats:
		d.log.Debug("peer stats", logging.Fields{
			"state":      e.State.String(),
			"packets_rx": e.PacketsRx,
			"packets_tx": e.PacketsTx,
			"bytes_rx":   e.BytesRx,
			"bytes_tx":   e.BytesTx,
		})
	}
	if d.observer != nil {
		d.observer(ev)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || isWouldBlock(err) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isWouldBlock(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}
