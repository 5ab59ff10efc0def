package sync

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// History keeps the latest outcome per job on disk so the CLI and status
// server can report on runs made by another process. An empty path keeps
// history in memory only.
type History struct {
	path     string
	mu       sync.RWMutex
	outcomes map[string]SyncOutcome
}

func NewHistory(path string) *History {
	return &History{
		path:     path,
		outcomes: make(map[string]SyncOutcome),
	}
}

func (h *History) Load() error {
	if h.path == "" {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := os.ReadFile(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No history yet, that's ok
		}
		return err
	}

	return json.Unmarshal(data, &h.outcomes)
}

func (h *History) Save() error {
	if h.path == "" {
		return nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	dir := filepath.Dir(h.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(h.outcomes, "", "  ")
	if err != nil {
		return err
	}

	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, h.path)
}

func (h *History) Record(outcomes ...SyncOutcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, o := range outcomes {
		h.outcomes[o.Key()] = o
	}
}

func (h *History) Get(key string) (SyncOutcome, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	o, ok := h.outcomes[key]
	return o, ok
}

// Outcomes returns the latest outcome of every job, ordered by job key.
func (h *History) Outcomes() []SyncOutcome {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]SyncOutcome, 0, len(h.outcomes))
	for _, o := range h.outcomes {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
