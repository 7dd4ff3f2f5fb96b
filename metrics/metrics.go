package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "depthbook"

// Recorder exports engine, buffer and stream measurements for one symbol
type Recorder struct {
	state            *prometheus.GaugeVec
	transitions      *prometheus.CounterVec
	eventsApplied    prometheus.Counter
	staleEvents      prometheus.Counter
	malformedEvents  prometheus.Counter
	gaps             prometheus.Counter
	snapshotAttempts prometheus.Counter
	snapshotFailures prometheus.Counter
	staleSnapshots   prometheus.Counter
	localUpdateID    prometheus.Gauge
	bufferSize       prometheus.Gauge
	pushRetries      prometheus.Counter
	pushDrops        prometheus.Counter
	rejectedFrames   prometheus.Counter
	streamConnects   prometheus.Counter
	streamCloses     prometheus.Counter

	current string
}

// New registers the collectors on reg. symbol is attached as a constant label.
func New(reg prometheus.Registerer, symbol string) (*Recorder, error) {
	labels := prometheus.Labels{"symbol": symbol}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help, ConstLabels: labels})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help, ConstLabels: labels})
	}
	r := &Recorder{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "engine_state", Help: "1 for the current engine state", ConstLabels: labels,
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "engine_transitions_total", Help: "State transitions by target state", ConstLabels: labels,
		}, []string{"state"}),
		eventsApplied:    counter("events_applied_total", "Delta events applied to the book"),
		staleEvents:      counter("events_stale_total", "Delta events discarded as already contained in the book"),
		malformedEvents:  counter("events_malformed_total", "Delta events discarded as malformed"),
		gaps:             counter("sequence_gaps_total", "Sequence gaps that triggered a resync"),
		snapshotAttempts: counter("snapshot_attempts_total", "Snapshot fetch attempts"),
		snapshotFailures: counter("snapshot_failures_total", "Snapshot fetches that failed or returned an error status"),
		staleSnapshots:   counter("snapshot_stale_total", "Snapshots rejected for predating the buffered updates"),
		localUpdateID:    gauge("local_update_id", "Final update id of the last applied event"),
		bufferSize:       gauge("buffer_size", "Events waiting in the update buffer"),
		pushRetries:      counter("buffer_push_retries_total", "Push retries against a full buffer"),
		pushDrops:        counter("buffer_push_drops_total", "Events dropped on a full buffer"),
		rejectedFrames:   counter("stream_rejected_total", "Stream frames rejected by the decoder"),
		streamConnects:   counter("stream_connects_total", "Depth stream connections established"),
		streamCloses:     counter("stream_closes_total", "Depth stream connections closed"),
	}
	for _, c := range []prometheus.Collector{
		r.state, r.transitions, r.eventsApplied, r.staleEvents, r.malformedEvents, r.gaps,
		r.snapshotAttempts, r.snapshotFailures, r.staleSnapshots, r.localUpdateID, r.bufferSize,
		r.pushRetries, r.pushDrops, r.rejectedFrames, r.streamConnects, r.streamCloses,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// NewRegistry returns a registry preloaded with the Go and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves reg in the exposition format
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// StateChanged is only called from the engine goroutine
func (r *Recorder) StateChanged(state string) {
	if r.current != "" {
		r.state.WithLabelValues(r.current).Set(0)
	}
	r.current = state
	r.state.WithLabelValues(state).Set(1)
	r.transitions.WithLabelValues(state).Inc()
}

func (r *Recorder) EventApplied() { r.eventsApplied.Inc() }
func (r *Recorder) StaleEventDropped() { r.staleEvents.Inc() }
func (r *Recorder) MalformedEventDropped() { r.malformedEvents.Inc() }
func (r *Recorder) GapDetected() { r.gaps.Inc() }
func (r *Recorder) SnapshotAttempt() { r.snapshotAttempts.Inc() }
func (r *Recorder) SnapshotFailed() { r.snapshotFailures.Inc() }
func (r *Recorder) StaleSnapshot() { r.staleSnapshots.Inc() }
func (r *Recorder) LocalUpdateID(id int64) { r.localUpdateID.Set(float64(id)) }
func (r *Recorder) BufferSize(n int) { r.bufferSize.Set(float64(n)) }
func (r *Recorder) PushRetried() { r.pushRetries.Inc() }
func (r *Recorder) PushDropped() { r.pushDrops.Inc() }
func (r *Recorder) MessageRejected() { r.rejectedFrames.Inc() }
func (r *Recorder) StreamConnected() { r.streamConnects.Inc() }
func (r *Recorder) StreamClosed() { r.streamCloses.Inc() }
