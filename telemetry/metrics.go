// Package telemetry implements the inspection bus named in spec §6: every
// stage exposes read-only counters (keys in/out, bits in/out, error bits,
// disclosed bits) and read/write settings (threshold, rounds, rawkey
// length, reduction rate, security bits, exact/minimum key size). Unlike
// luxfi-consensus's metrics.Registry, which keeps its own counter/gauge
// state and only optionally mirrors it to Prometheus, this package is a
// thin Prometheus wrapper throughout: the inspection bus *is* a
// Prometheus registry, the same client_golang dependency luxfi-consensus's
// own consensus metrics use.
package telemetry

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Stage is the set of counters and gauges one pipeline stage exposes on
// the inspection bus. All fields are safe for concurrent use (Prometheus
// metrics already are).
type Stage struct {
	KeysIn      prometheus.Counter
	KeysOut     prometheus.Counter
	BitsIn      prometheus.Counter
	BitsOut     prometheus.Counter
	ErrorBits   prometheus.Counter
	Disclosed   prometheus.Counter

	Threshold   prometheus.Gauge
	Rounds      prometheus.Gauge
	RawKeyLen   prometheus.Gauge
	ReduceRate  prometheus.Gauge
	SecurityBit prometheus.Gauge
	ExactSize   prometheus.Gauge
	MinSize     prometheus.Gauge
}

var (
	mu        sync.Mutex
	registry  = prometheus.NewRegistry()
	stageOnce = map[string]*Stage{}
)

// Registry exposes the package-wide Prometheus registerer, so a process
// composing several stages can serve them all from one /metrics handler.
func Registry() *prometheus.Registry {
	return registry
}

// NewStage registers (once) the counters and gauges for a stage named
// name and returns them. Calling it twice for the same name returns the
// same *Stage rather than erroring, so tests that construct a stage more
// than once don't trip Prometheus's duplicate-registration panic.
func NewStage(name string) (*Stage, error) {
	mu.Lock()
	defer mu.Unlock()

	if s, ok := stageOnce[name]; ok {
		return s, nil
	}

	counter := func(field, help string) (prometheus.Counter, error) {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qkdistill",
			Subsystem: name,
			Name:      field,
			Help:      help,
		})
		if err := registry.Register(c); err != nil {
			return nil, errors.Wrapf(err, "telemetry: register counter %s_%s", name, field)
		}
		return c, nil
	}
	gauge := func(field, help string) (prometheus.Gauge, error) {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qkdistill",
			Subsystem: name,
			Name:      field,
			Help:      help,
		})
		if err := registry.Register(g); err != nil {
			return nil, errors.Wrapf(err, "telemetry: register gauge %s_%s", name, field)
		}
		return g, nil
	}

	s := &Stage{}
	var err error
	if s.KeysIn, err = counter("keys_in_total", "keys read from the input endpoint"); err != nil {
		return nil, err
	}
	if s.KeysOut, err = counter("keys_out_total", "keys written to the output endpoint"); err != nil {
		return nil, err
	}
	if s.BitsIn, err = counter("bits_in_total", "bits read from the input endpoint"); err != nil {
		return nil, err
	}
	if s.BitsOut, err = counter("bits_out_total", "bits written to the output endpoint"); err != nil {
		return nil, err
	}
	if s.ErrorBits, err = counter("error_bits_total", "bits identified as erroneous"); err != nil {
		return nil, err
	}
	if s.Disclosed, err = counter("disclosed_bits_total", "bits disclosed to the peer"); err != nil {
		return nil, err
	}
	if s.Threshold, err = gauge("threshold", "configured threshold setting"); err != nil {
		return nil, err
	}
	if s.Rounds, err = gauge("rounds", "configured round count setting"); err != nil {
		return nil, err
	}
	if s.RawKeyLen, err = gauge("rawkey_length", "configured raw key length setting"); err != nil {
		return nil, err
	}
	if s.ReduceRate, err = gauge("reduction_rate", "configured reduction rate setting"); err != nil {
		return nil, err
	}
	if s.SecurityBit, err = gauge("security_bits", "configured security margin setting"); err != nil {
		return nil, err
	}
	if s.ExactSize, err = gauge("exact_key_size", "configured exact output size setting"); err != nil {
		return nil, err
	}
	if s.MinSize, err = gauge("minimum_key_size", "configured minimum output size setting"); err != nil {
		return nil, err
	}

	stageOnce[name] = s
	return s, nil
}
