// Package estop implements the process-wide emergency-stop latch. The latch
// trips from a marker file on disk, a message on the emergency stream, a
// direct call, or a safety e-stop escalation; every blocking resume point in
// the system consults Check before carrying on. Clearing a stop requires an
// explicit Clear plus marker removal, and all trips and clears are kept in a
// bounded history.
package estop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coderwave/wave/internal/telemetry"
)

// DefaultMarkerPath is the stop-marker location used when none is
// configured, relative to the working directory.
const DefaultMarkerPath = ".claude/EMERGENCY-STOP"

// historyCap bounds the trip/clear record ring.
const historyCap = 64

// ErrEmergencyStop reports an engaged latch. Blocking calls return it,
// usually wrapped with the trip reason.
var ErrEmergencyStop = errors.New("emergency stop engaged")

// Action labels a history record.
type Action string

const (
	ActionTrip  Action = "trip"
	ActionClear Action = "clear"
)

// Trip sources recorded in the history.
const (
	SourceAPI    = "api"
	SourceFile   = "file"
	SourceStream = "stream"
	SourceSafety = "safety"
)

type (
	// Record is one trip or clear in the latch history.
	Record struct {
		Action Action
		Source string
		Reason string
		At     time.Time
	}

	// LatchOptions configures a Latch.
	LatchOptions struct {
		// MarkerPath is the stop-marker location. Defaults to
		// .claude/EMERGENCY-STOP.
		MarkerPath string
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Latch is the process-wide stop flag. Once tripped it stays engaged
	// until Clear; re-trips while engaged are ignored so the first reason
	// is the one history and Check report.
	Latch struct {
		marker string
		logger telemetry.Logger

		mu      sync.Mutex
		engaged bool
		source  string
		reason  string
		history []Record
		onTrip  []func(Record)
	}
)

// NewLatch constructs a Latch.
func NewLatch(opts LatchOptions) *Latch {
	marker := opts.MarkerPath
	if marker == "" {
		marker = DefaultMarkerPath
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Latch{marker: marker, logger: logger}
}

// MarkerPath returns the configured stop-marker location.
func (l *Latch) MarkerPath() string { return l.marker }

// OnTrip registers a hook invoked once per trip, after the latch is engaged.
// Hooks run outside the latch lock.
func (l *Latch) OnTrip(fn func(Record)) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onTrip = append(l.onTrip, fn)
}

// Check returns nil while the latch is open and ErrEmergencyStop, wrapped
// with the trip reason, while engaged.
func (l *Latch) Check() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.engaged {
		return nil
	}
	if l.reason == "" {
		return ErrEmergencyStop
	}
	return fmt.Errorf("%w: %s", ErrEmergencyStop, l.reason)
}

// Engaged reports whether the latch is tripped.
func (l *Latch) Engaged() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.engaged
}

// Reason returns the engaged trip reason, or empty when open.
func (l *Latch) Reason() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// Trip engages the latch. Already-engaged latches ignore the call.
func (l *Latch) Trip(source, reason string) {
	l.mu.Lock()
	if l.engaged {
		l.mu.Unlock()
		return
	}
	l.engaged = true
	l.source = source
	l.reason = reason
	rec := Record{Action: ActionTrip, Source: source, Reason: reason, At: time.Now().UTC()}
	l.push(rec)
	hooks := make([]func(Record), len(l.onTrip))
	copy(hooks, l.onTrip)
	l.mu.Unlock()

	l.logger.Error(context.Background(), "emergency stop tripped", "source", source, "reason", reason)
	for _, fn := range hooks {
		fn(rec)
	}
}

// Trigger trips the latch through the API source and writes the marker file
// so sibling processes watching the path stop too. The latch engages even
// when the marker write fails.
func (l *Latch) Trigger(reason string) error {
	l.Trip(SourceAPI, reason)
	if err := l.writeMarker(reason); err != nil {
		return fmt.Errorf("write stop marker: %w", err)
	}
	return nil
}

// Clear releases the latch and removes the marker file. A stray marker is
// removed even when the latch is already open, otherwise the file watcher
// would re-trip immediately.
func (l *Latch) Clear(by string) error {
	l.mu.Lock()
	if l.engaged {
		l.engaged = false
		l.source = ""
		l.reason = ""
		l.push(Record{Action: ActionClear, Source: by, At: time.Now().UTC()})
	}
	l.mu.Unlock()
	return l.removeMarker()
}

// History returns the trip/clear records, oldest first.
func (l *Latch) History() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.history))
	copy(out, l.history)
	return out
}

func (l *Latch) push(rec Record) {
	l.history = append(l.history, rec)
	if len(l.history) > historyCap {
		l.history = l.history[len(l.history)-historyCap:]
	}
}

func (l *Latch) writeMarker(reason string) error {
	if dir := filepath.Dir(l.marker); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	body := fmt.Sprintf("reason: %s\ntripped: %s\n", reason, time.Now().UTC().Format(time.RFC3339))
	return os.WriteFile(l.marker, []byte(body), 0o644)
}

func (l *Latch) removeMarker() error {
	if err := os.Remove(l.marker); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stop marker: %w", err)
	}
	return nil
}

// readMarkerReason pulls the reason line out of a marker body.
func readMarkerReason(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil || len(raw) == 0 {
		return "stop marker present"
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if rest, ok := strings.CutPrefix(line, "reason: "); ok && rest != "" {
			return rest
		}
	}
	return "stop marker present"
}
