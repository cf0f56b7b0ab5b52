// Package audit writes the per-event usedParameters<eventId>.dat records.
//
// Records are only ever appended. A file left over from an earlier run in the
// same directory keeps its old lines.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/latticeforge/evgen/pkg/config"
)

// Recorder appends audit lines for events.
type Recorder struct {
	dir string
	now func() time.Time

	// mu serializes writers sharing a Recorder in local mode.
	mu sync.Mutex
}

// NewRecorder creates a Recorder writing into dir.
func NewRecorder(dir string) *Recorder {
	return &Recorder{dir: dir, now: time.Now}
}

// Path returns the audit file of an event.
func (r *Recorder) Path(eventID int) string {
	return filepath.Join(r.dir, fmt.Sprintf("usedParameters%d.dat", eventID))
}

// RecordSeed appends the seed line for an event.
func (r *Recorder) RecordSeed(eventID, workerID int, seed uint64) error {
	return r.append(eventID, fmt.Sprintf("Random seed used on worker %d: %d\n", workerID, seed))
}

// RecordParameters appends the used-parameter block for an event.
func (r *Recorder) RecordParameters(eventID int, cfg *config.RunConfig) error {
	var b strings.Builder
	fmt.Fprintf(&b, "File created on %s\n", r.now().Format(time.ANSIC))
	b.WriteString("~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~\n")
	b.WriteString("Used parameters by evgen\n")
	b.WriteString("~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~\n")
	if cfg.Source != "" {
		fmt.Fprintf(&b, "Read from %s\n", cfg.Source)
	}
	for _, e := range cfg.UsedParameters() {
		fmt.Fprintf(&b, "%s %s\n", e.Key, e.Value)
	}
	return r.append(eventID, b.String())
}

func (r *Recorder) append(eventID int, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}

	path := r.Path(eventID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit file %s: %w", path, err)
	}

	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return fmt.Errorf("failed to write audit file %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close audit file %s: %w", path, err)
	}
	return nil
}
