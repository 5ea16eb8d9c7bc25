// Package status publishes transcode progress over HTTP.
package status

import (
	"sync"
	"time"

	"github.com/jmylchreest/pitx/internal/transcoder"
)

// RunInfo describes the run being served.
type RunInfo struct {
	RunID   string    `json:"run_id"`
	Input   string    `json:"input"`
	Output  string    `json:"output"`
	Format  string    `json:"format"`
	Backend string    `json:"backend"`
	Started time.Time `json:"started"`
}

// Hub keeps the latest progress snapshot. It is fed by a reporter
// observer and read by the HTTP handlers.
type Hub struct {
	mu      sync.RWMutex
	run     RunInfo
	latest  transcoder.Snapshot
	samples int64
	result  string
}

// NewHub creates a hub for one run.
func NewHub(run RunInfo) *Hub {
	if run.Started.IsZero() {
		run.Started = time.Now()
	}
	return &Hub{run: run}
}

// Observe stores s as the latest snapshot.
func (h *Hub) Observe(s transcoder.Snapshot) {
	h.mu.Lock()
	h.latest = s
	h.samples++
	h.mu.Unlock()
}

// Finish records the outcome of the run; an empty err string is success.
func (h *Hub) Finish(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.result = err.Error()
		return
	}
	h.result = "ok"
}

// Latest returns the run description, the latest snapshot, the number of
// samples seen and the outcome, empty while running.
func (h *Hub) Latest() (RunInfo, transcoder.Snapshot, int64, string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.run, h.latest, h.samples, h.result
}
