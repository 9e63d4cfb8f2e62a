package session

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kdsmith18542/rdpmitm/core"
	"github.com/kdsmith18542/rdpmitm/glog"
)

// Direction tags a recorded PDU by which half of the session produced
// it, spec §3's "recorder... emits observed PDUs typed by direction."
type Direction uint8

const (
	DirectionNone Direction = iota
	DirectionClientToServer
	DirectionServerToClient
)

// Tag names the kind of event a RecordEntry carries. The recorder
// contract is otherwise out of scope (spec §1); these are the tags
// this engine's own components actually emit.
type Tag string

const (
	TagClientInfo      Tag = "CLIENT_INFO"
	TagInput           Tag = "INPUT"
	TagConnectionClose Tag = "CONNECTION_CLOSE"
)

// RecordEntry is one observed event, serialized by whatever Recorder
// implementation is wired in. For the CONNECTION_CLOSE marker spec
// §5/§7 require, Payload holds the reason string Session.Disconnect
// was given.
type RecordEntry struct {
	Timestamp int64
	Direction Direction
	Tag       Tag
	Payload   []byte
}

// Recorder is the out-of-scope collaborator contract spec §3/§6
// describes: it serializes observed PDUs to a file and/or a live
// player socket. Session mutates it on the goroutine driving
// negotiation, from each steady-state relay pump afterward, and from
// whichever goroutine triggers teardown, so implementations must be
// safe for concurrent Record calls and for Record racing Close.
type Recorder interface {
	Record(dir Direction, tag Tag, payload []byte)
	Close() error
}

// FileRecorder is the mandatory sink spec §6 requires: a per-session
// file named rdp_replay_<timestamp>_<rand0-1000>.rdpy under out/,
// kept byte-for-byte per the original implementation's naming (spec
// SPEC_FULL §B/§D), one line of "timestamp direction tag length" plus
// raw payload bytes per entry - the wire format itself is an external
// collaborator's concern, so this is a minimal, greppable default.
// The mutex keeps each entry's line+payload pair contiguous: both
// relay pumps record concurrently, and an interleaved entry would
// corrupt the length-prefixed format.
type FileRecorder struct {
	mu     sync.Mutex
	closed bool
	f      *os.File
}

// OpenFileRecorder creates out/rdp_replay_<ts>_<rand>.rdpy and returns
// a recorder writing to it. now and rnd are supplied by the caller
// rather than computed here, so a test can fix the file name;
// Registry.newRecorder passes time.Now() and a value from its seeded
// generator.
func OpenFileRecorder(outDir string, now time.Time, rnd int) (*FileRecorder, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create recorder output dir: %w", err)
	}
	name := fmt.Sprintf("rdp_replay_%s_%d.rdpy", now.Format("20060102_15_0405"), rnd)
	f, err := os.Create(filepath.Join(outDir, name))
	if err != nil {
		return nil, fmt.Errorf("create recorder file: %w", err)
	}
	glog.Infof("recording session to %s", f.Name())
	return &FileRecorder{f: f}, nil
}

func (r *FileRecorder) Record(dir Direction, tag Tag, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	line := fmt.Sprintf("%d %d %s %d\n", core.GetCurrentTimestamp(), dir, tag, len(payload))
	if _, err := r.f.WriteString(line); err != nil {
		glog.Warnf("recorder write failed: %v", err)
		return
	}
	if _, err := r.f.Write(payload); err != nil {
		glog.Warnf("recorder write failed: %v", err)
	}
}

func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.f.Close()
}

// LiveRecorder streams the same entries to a TCP socket, for a
// real-time viewer (spec §6's optional live recording sink). Locked
// for the same reason as FileRecorder.
type LiveRecorder struct {
	mu     sync.Mutex
	closed bool
	conn   net.Conn
}

// DialLiveRecorder connects to (host, port). Per spec §7, connect
// failure here is non-fatal: the caller logs and falls back to
// file-only recording rather than aborting the session.
func DialLiveRecorder(host string, port int, timeout time.Duration) (*LiveRecorder, error) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), timeout)
	if err != nil {
		return nil, fmt.Errorf("dial live recorder: %w", err)
	}
	return &LiveRecorder{conn: conn}, nil
}

func (r *LiveRecorder) Record(dir Direction, tag Tag, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	line := fmt.Sprintf("%d %d %s %d\n", core.GetCurrentTimestamp(), dir, tag, len(payload))
	if _, err := r.conn.Write([]byte(line)); err != nil {
		glog.Warnf("live recorder write failed: %v", err)
		return
	}
	if _, err := r.conn.Write(payload); err != nil {
		glog.Warnf("live recorder write failed: %v", err)
	}
}

func (r *LiveRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.conn.Close()
}

// MultiRecorder fans Record/Close out to every sink it wraps, used
// when both a file and a live socket are active - mirroring the
// teacher's PluginManager aggregate-dispatch shape (plugin.PluginManager
// fanning an event out to every registered plugin) applied to recorder
// sinks instead of plugins. The mutex keeps concurrently recorded
// entries in the same order across every sink.
type MultiRecorder struct {
	mu    sync.Mutex
	sinks []Recorder
}

func NewMultiRecorder(sinks ...Recorder) *MultiRecorder {
	return &MultiRecorder{sinks: sinks}
}

func (m *MultiRecorder) Record(dir Direction, tag Tag, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sink := range m.sinks {
		sink.Record(dir, tag, payload)
	}
}

func (m *MultiRecorder) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
