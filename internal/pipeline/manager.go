package pipeline

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/avkit/internal/media"
	"github.com/zsiec/avkit/internal/storage"
)

// Run is a command execution tracked by a Manager.
type Run struct {
	ID        string
	Command   string
	Outputs   []string
	StartedAt time.Time
}

// Manager tracks the runs in flight and the outputs they write.
type Manager struct {
	log     *slog.Logger
	mu      sync.RWMutex
	runs    map[string]*Run
	outputs map[string]string // output key -> run ID
}

// NewManager creates a run manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "run-manager"),
		runs:    make(map[string]*Run),
		outputs: make(map[string]string),
	}
}

// Start registers a run. It fails with media.ErrResource when the ID is
// taken or another run in flight writes one of outputs. Standard output
// counts as an output, so only one run at a time may write to it.
func (m *Manager) Start(id, command string, outputs []string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[id]; ok {
		return nil, fmt.Errorf("%w: run %s already started", media.ErrResource, id)
	}
	keys := make([]string, 0, len(outputs))
	for _, out := range outputs {
		key := outputKey(out)
		if owner, ok := m.outputs[key]; ok {
			m.log.Warn("output already in use, rejecting run", "run", id, "output", out, "owner", owner)
			return nil, fmt.Errorf("%w: output %s is written by run %s", media.ErrResource, describeOutput(out), owner)
		}
		keys = append(keys, key)
	}

	r := &Run{ID: id, Command: command, Outputs: outputs, StartedAt: time.Now()}
	m.runs[id] = r
	for _, key := range keys {
		m.outputs[key] = id
	}
	m.log.Debug("run started", "run", id, "command", command)
	return r, nil
}

// Finish removes a run and releases its outputs.
func (m *Manager) Finish(id string) {
	m.mu.Lock()
	r, ok := m.runs[id]
	if ok {
		delete(m.runs, id)
		for _, out := range r.Outputs {
			if key := outputKey(out); m.outputs[key] == id {
				delete(m.outputs, key)
			}
		}
	}
	m.mu.Unlock()

	if ok {
		m.log.Debug("run finished", "run", id, "elapsed", time.Since(r.StartedAt))
	}
}

// List returns the runs in flight, oldest first.
func (m *Manager) List() []*Run {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })
	return runs
}

func describeOutput(path string) string {
	if path == storage.StdStream {
		return "stdout"
	}
	return path
}

func outputKey(path string) string {
	if path == storage.StdStream {
		return path
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
