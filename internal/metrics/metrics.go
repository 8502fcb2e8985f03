package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "omnistream_active_streams",
		Help: "Number of active stream instances",
	})
)

// Counters
var (
	StreamsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omnistream_streams_started_total",
		Help: "Total streams started",
	})
	FramesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omnistream_rtp_frames_sent_total",
		Help: "Total RTP frames pushed to the wire",
	})
	SendErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omnistream_rtp_send_errors_total",
		Help: "Total RTP push failures",
	})
	FramesDroppedLateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omnistream_frames_dropped_late_total",
		Help: "Frame slots dropped because the sender fell behind",
	})
	FetchBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omnistream_fetch_bytes_total",
		Help: "Total media bytes received over HTTP",
	})
	DecodeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omnistream_decode_errors_total",
		Help: "Total decoder failures",
	})
	EncodeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "omnistream_opus_encode_errors_total",
		Help: "Total Opus encode failures",
	})
	TaskCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omnistream_task_cycles_total",
		Help: "Completed task cycles by outcome",
	}, []string{"outcome"})
)

// Histograms
var (
	BatchSendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "omnistream_batch_send_duration_us",
		Help:    "Sender batch transmit duration in microseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 40000},
	})
)
