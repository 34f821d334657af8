package event

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
)

const neverFailed = 99999 * time.Hour

// Writer follows the async Influx event path: points handed to the write API per
// event type, failed writes, and when the last failure happened.
// It is a prometheus.Collector.
type Writer struct {
	lastErrNs atomic.Int64
	written   *prometheus.CounterVec
	failed    prometheus.Counter
	now       func() time.Time
}

var _ prometheus.Collector = (*Writer)(nil)

// NewWriter drains errs (usually api.WriteAPI.Errors()) until it is closed.
func NewWriter(errs <-chan error) *Writer {
	w := &Writer{
		written: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "irrigation_events_written_total",
			Help: "Events queued to InfluxDB by type.",
		}, []string{"type"}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "irrigation_event_write_errors_total",
			Help: "Asynchronous InfluxDB write failures.",
		}),
		now: time.Now,
	}
	if errs != nil {
		go func() {
			for err := range errs {
				if err != nil {
					w.markError(err)
				}
			}
		}()
	}
	return w
}

func (w *Writer) markError(err error) {
	w.lastErrNs.Store(w.now().UnixNano())
	w.failed.Inc()
	log.Printf("fanout: influx write error: %v", err)
}

func (w *Writer) markWritten(t messages.EventType) {
	if w != nil {
		w.written.WithLabelValues(string(t)).Inc()
	}
}

// LastErrorAge is the time since the last write error; a very large age when there
// was none or w is nil.
func (w *Writer) LastErrorAge() time.Duration {
	if w == nil {
		return neverFailed
	}
	ns := w.lastErrNs.Load()
	if ns == 0 {
		return neverFailed
	}
	return w.now().Sub(time.Unix(0, ns))
}

func (w *Writer) Describe(ch chan<- *prometheus.Desc) {
	w.written.Describe(ch)
	w.failed.Describe(ch)
}

func (w *Writer) Collect(ch chan<- prometheus.Metric) {
	w.written.Collect(ch)
	w.failed.Collect(ch)
}
