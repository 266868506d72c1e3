package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 전역 레지스트리에 등록할 hop-call 메트릭들을 정의합니다.
// 메트릭 이름에 hopcall_ 접두어를 붙입니다.

var (
	// 시작된 세션 수 (role 라벨: offerer, answerer).
	SessionsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopcall_sessions_started_total",
			Help: "Total number of sessions handed to a driver, labeled by role.",
		},
		[]string{"role"},
	)

	// 종료된 세션 수 (result 라벨: disconnected, error).
	SessionsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopcall_sessions_finished_total",
			Help: "Total number of sessions whose driver returned, labeled by role and result.",
		},
		[]string{"role", "result"},
	)

	// 현재 실행 중인 세션 수.
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hopcall_sessions_active",
			Help: "Number of sessions currently running a driver loop.",
		},
	)

	// 협상 동작 결과 (verb: create_offer, accept_offer, accept_answer, add_candidate).
	NegotiationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopcall_negotiations_total",
			Help: "Total number of negotiation operations, labeled by verb and result.",
		},
		[]string{"verb", "result"},
	)

	// 송수신 데이터그램 수 (direction: tx, rx).
	DatagramsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopcall_datagrams_total",
			Help: "Total number of UDP datagrams moved by session drivers, labeled by direction.",
		},
		[]string{"direction"},
	)

	// 송수신 바이트 수 (direction: tx, rx).
	DatagramBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopcall_datagram_bytes_total",
			Help: "Total number of UDP payload bytes moved by session drivers, labeled by direction.",
		},
		[]string{"direction"},
	)

	// 엔진에 전달한 time-advance 입력 수.
	DriverTimeAdvancesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hopcall_driver_time_advances_total",
			Help: "Total number of time-advance inputs fed to engines by session drivers.",
		},
	)

	// 드라이버가 관찰한 엔진 이벤트 수 (event 라벨).
	EngineEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopcall_engine_events_total",
			Help: "Total number of engine events observed by session drivers, labeled by event kind.",
		},
		[]string{"event"},
	)

	// 시그널링 HTTP 엔드포인트 요청 수 (메서드/상태 코드 라벨 포함).
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopcall_http_requests_total",
			Help: "Total number of signaling HTTP requests, labeled by method and status code.",
		},
		[]string{"method", "status"},
	)

	// 시그널링 HTTP 요청 처리 시간 분포 (메서드 라벨 포함).
	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hopcall_http_request_duration_seconds",
			Help:    "Histogram of signaling HTTP request latencies in seconds, labeled by method.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

// MustRegister 는 위에서 정의한 메트릭들을 전역 Prometheus 레지스트리에 등록합니다.
// 서버 시작 시 한 번만 호출해야 합니다.
func MustRegister() {
	prometheus.MustRegister(
		SessionsStartedTotal,
		SessionsFinishedTotal,
		SessionsActive,
		NegotiationsTotal,
		DatagramsTotal,
		DatagramBytesTotal,
		DriverTimeAdvancesTotal,
		EngineEventsTotal,
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
	)
}

// ObserveNegotiation 은 협상 동작 결과를 기록합니다.
func ObserveNegotiation(verb string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	NegotiationsTotal.WithLabelValues(verb, result).Inc()
}
