package session

import (
	"math/rand"
	"net"
	"time"

	"github.com/kdsmith18542/rdpmitm/config"
	"github.com/kdsmith18542/rdpmitm/glog"
)

// HalfFactory creates a fresh outbound half for one session; the
// clienthalf package provides the production implementation.
type HalfFactory func() ClientHalf

// Registry wires the collaborators a Session needs - recorder sinks,
// the outbound half factory, configuration - into ready-to-run
// sessions, one per accepted client connection. It is the factory-
// registration shape of a service container cut down to the three
// dependencies this engine actually has; the listener loop in
// cmd/rdpmitm is its only caller.
type Registry struct {
	cfg   *config.Config
	halfs HalfFactory
	rng   *rand.Rand
}

// NewRegistry builds a Registry around cfg. seed feeds the recorder
// filename suffix generator; production passes time.Now().UnixNano(),
// tests pass a constant for determinism.
func NewRegistry(cfg *config.Config, halfs HalfFactory, seed int64) *Registry {
	return &Registry{cfg: cfg, halfs: halfs, rng: rand.New(rand.NewSource(seed))}
}

// NewSession assembles a Session for one accepted connection: a file
// recorder (mandatory, spec §6), the live recorder when configured
// (connect failure demotes to file-only, spec §7), and a fresh
// outbound half.
func (r *Registry) NewSession(conn net.Conn) (*Session, error) {
	recorder, err := r.newRecorder()
	if err != nil {
		return nil, err
	}
	return New(r.cfg, conn, r.halfs(), recorder), nil
}

func (r *Registry) newRecorder() (Recorder, error) {
	file, err := OpenFileRecorder(r.cfg.Recorder.OutputDir, time.Now(), r.rng.Intn(1000))
	if err != nil {
		return nil, err
	}
	if r.cfg.Recorder.RecordHost == "" {
		return file, nil
	}

	live, err := DialLiveRecorder(r.cfg.Recorder.RecordHost, r.cfg.Recorder.RecordPort, r.cfg.Target.ConnectTimeout)
	if err != nil {
		glog.Warnf("live recorder unavailable, recording to file only: %v", err)
		return file, nil
	}
	return NewMultiRecorder(file, live), nil
}
