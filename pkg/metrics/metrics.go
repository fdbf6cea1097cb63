// Metrics for the haptics bridge
//
// Collects per-module frame counters and per-device send/drop/state
// metrics in a private Prometheus registry. HapticsMetrics implements both
// device.Observer and bridge.Observer, so it is attached to managers and
// bridges like any other observer.
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rehakomoon/VRCHapticsLite/pkg/bridge"
	"github.com/rehakomoon/VRCHapticsLite/pkg/capture"
	"github.com/rehakomoon/VRCHapticsLite/pkg/color"
	"github.com/rehakomoon/VRCHapticsLite/pkg/device"
	"github.com/rehakomoon/VRCHapticsLite/pkg/pool"
)

const namespace = "hapticd"

var deviceStates = []device.State{device.Uninitialized, device.Connecting, device.Ready, device.Sending}

// HapticsMetrics holds every collector of the daemon.
type HapticsMetrics struct {
	registry *prometheus.Registry
	start    time.Time

	captureFrames prometheus.Counter

	moduleFrames   *prometheus.CounterVec
	moduleInvalid  *prometheus.CounterVec
	moduleForced   *prometheus.CounterVec
	moduleEnabled  *prometheus.GaugeVec
	moduleActive   *prometheus.GaugeVec
	moduleOutput   *prometheus.GaugeVec
	moduleLastSeen *prometheus.GaugeVec

	deviceSent        *prometheus.CounterVec
	deviceDropped     *prometheus.CounterVec
	deviceState       *prometheus.GaugeVec
	deviceTransitions *prometheus.CounterVec
	deviceSendSeconds *prometheus.HistogramVec
}

// New creates the collectors and registers them with a fresh registry.
func New() *HapticsMetrics {
	m := &HapticsMetrics{
		registry: prometheus.NewRegistry(),
		start:    time.Now(),
		captureFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_frames_total",
			Help:      "Frames read from the capture source",
		}),
		moduleFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "module_frames_total",
			Help:      "Frames sampled per module",
		}, []string{"module"}),
		moduleInvalid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "module_invalid_frames_total",
			Help:      "Frames with at least one indeterminate sample point",
		}, []string{"module"}),
		moduleForced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "module_neutral_frames_total",
			Help:      "Neutral frames forced on disable or shutdown",
		}, []string{"module"}),
		moduleEnabled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "module_enabled",
			Help:      "1 if the module is enabled",
		}, []string{"module"}),
		moduleActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "module_active_cells",
			Help:      "Active cells in the last sampled grid",
		}, []string{"module"}),
		moduleOutput: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "module_output_percent",
			Help:      "Last intensity per actuator (0-100)",
		}, []string{"module", "position", "index"}),
		moduleLastSeen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "module_last_frame_timestamp_seconds",
			Help:      "Capture time of the last processed frame (epoch seconds)",
		}, []string{"module"}),
		deviceSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_frames_sent_total",
			Help:      "Frames written to the controller",
		}, []string{"device"}),
		deviceDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_frames_dropped_total",
			Help:      "Frames not written, by reason",
		}, []string{"device", "reason"}),
		deviceState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_state",
			Help:      "1 for the current connection state",
		}, []string{"device", "state"}),
		deviceTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_state_transitions_total",
			Help:      "Connection state transitions by target state",
		}, []string{"device", "state"}),
		deviceSendSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "device_send_seconds",
			Help:      "Time from Send to completion, including the pacing interval",
			Buckets:   []float64{.001, .0025, .005, .01, .015, .02, .05, .1, .25, 1},
		}, []string{"device"}),
	}

	m.registry.MustRegister(
		m.captureFrames,
		m.moduleFrames, m.moduleInvalid, m.moduleForced,
		m.moduleEnabled, m.moduleActive, m.moduleOutput, m.moduleLastSeen,
		m.deviceSent, m.deviceDropped, m.deviceState, m.deviceTransitions, m.deviceSendSeconds,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the daemon started",
		}, func() float64 { return time.Since(m.start).Seconds() }),
	)
	return m
}

// Registry returns the registry to serve.
func (m *HapticsMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// AddDevice pre-creates the series of one device so dashboards see zeros.
func (m *HapticsMetrics) AddDevice(id string, current device.State) {
	m.deviceSent.WithLabelValues(id)
	for _, r := range device.Reasons {
		m.deviceDropped.WithLabelValues(id, string(r))
	}
	m.setState(id, current)
}

// AddMailbox exports the delivery counters of one module's mailbox.
func (m *HapticsMetrics) AddMailbox(module string, mb *capture.Mailbox) {
	labels := prometheus.Labels{"module": module}
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "mailbox_delivered_total",
			Help:        "Frames taken by the module",
			ConstLabels: labels,
		}, func() float64 {
			d, _ := mb.Stats()
			return float64(d)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "mailbox_overwritten_total",
			Help:        "Frames replaced by a newer frame before the module took them",
			ConstLabels: labels,
		}, func() float64 {
			_, dr := mb.Stats()
			return float64(dr)
		}),
	)
}

// AddFramePool exports the capture buffer pool counters.
func (m *HapticsMetrics) AddFramePool(p *pool.FramePool) {
	counter := func(name, help string, v func(pool.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frame_pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v(p.Stats())) })
	}
	m.registry.MustRegister(
		counter("gets_total", "Frame buffers handed out", func(s pool.Stats) uint64 { return s.Gets }),
		counter("allocations_total", "Frame buffers allocated because the pool was empty", func(s pool.Stats) uint64 { return s.Misses }),
		counter("puts_total", "Frame buffers returned", func(s pool.Stats) uint64 { return s.Puts }),
	)
}

// CaptureFrame counts one frame read from the capture source.
func (m *HapticsMetrics) CaptureFrame() {
	m.captureFrames.Inc()
}

// ModuleFrame implements bridge.Observer.
func (m *HapticsMetrics) ModuleFrame(p bridge.Preview) {
	if p.Forced {
		m.moduleForced.WithLabelValues(p.Module).Inc()
	} else {
		m.moduleFrames.WithLabelValues(p.Module).Inc()
		if !p.AllValid {
			m.moduleInvalid.WithLabelValues(p.Module).Inc()
		}
		active := 0
		for _, c := range p.Cells {
			if c == color.Active {
				active++
			}
		}
		m.moduleActive.WithLabelValues(p.Module).Set(float64(active))
		m.moduleLastSeen.WithLabelValues(p.Module).Set(float64(p.At.UnixNano()) / 1e9)
	}
	enabled := 0.0
	if p.Enabled {
		enabled = 1
	}
	m.moduleEnabled.WithLabelValues(p.Module).Set(enabled)
	for _, o := range p.Outputs {
		for i, v := range o.Values {
			m.moduleOutput.WithLabelValues(p.Module, o.Position, strconv.Itoa(i)).Set(float64(v))
		}
	}
}

// StateChanged implements device.Observer.
func (m *HapticsMetrics) StateChanged(id string, from, to device.State) {
	m.deviceTransitions.WithLabelValues(id, to.String()).Inc()
	m.setState(id, to)
}

// FrameResult implements device.Observer.
func (m *HapticsMetrics) FrameResult(id string, r device.Result) {
	if r.Sent {
		m.deviceSent.WithLabelValues(id).Inc()
		m.deviceSendSeconds.WithLabelValues(id).Observe(time.Since(r.At).Seconds())
		return
	}
	m.deviceDropped.WithLabelValues(id, string(r.Reason)).Inc()
}

func (m *HapticsMetrics) setState(id string, cur device.State) {
	for _, s := range deviceStates {
		v := 0.0
		if s == cur {
			v = 1
		}
		m.deviceState.WithLabelValues(id, s.String()).Set(v)
	}
}
