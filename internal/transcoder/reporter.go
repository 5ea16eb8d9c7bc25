package transcoder

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// DefaultReportInterval is how often a Reporter samples by default.
const DefaultReportInterval = time.Second

// Snapshot is one progress sample: the pipeline counters plus the resource
// use of this process and the host.
type Snapshot struct {
	Time  time.Time `json:"time"`
	Stats Stats     `json:"stats"`

	ProcessCPU float64 `json:"process_cpu_percent"`
	ProcessRSS uint64  `json:"process_rss_bytes"`
	Load1      float64 `json:"load_1m"`
	MemPercent float64 `json:"memory_percent"`
}

// Observer receives snapshots. Observers run on the reporter goroutine
// and must not block.
type Observer func(Snapshot)

// StatsSource is anything that exposes pipeline counters.
type StatsSource interface {
	Stats() Stats
}

// Reporter samples a pipeline at a fixed interval and fans the snapshot
// out to its observers. It only reads counters.
type Reporter struct {
	src       StatsSource
	interval  time.Duration
	logger    *slog.Logger
	observers []Observer
	proc      *process.Process
}

// NewReporter creates a reporter for src. A zero interval uses
// DefaultReportInterval.
func NewReporter(src StatsSource, interval time.Duration, logger *slog.Logger, observers ...Observer) *Reporter {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		src:       src,
		interval:  interval,
		logger:    logger,
		observers: observers,
	}
}

// Run samples until ctx is done. A final snapshot is published on exit so
// observers see the closing counters.
func (r *Reporter) Run(ctx context.Context) error {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		r.logger.Debug("process stats unavailable", slog.String("error", err.Error()))
	} else {
		r.proc = proc
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.publish(r.Sample(context.Background()))
			return nil
		case <-ticker.C:
			r.publish(r.Sample(ctx))
		}
	}
}

// Sample takes one snapshot. Resource figures that cannot be read stay
// zero.
func (r *Reporter) Sample(ctx context.Context) Snapshot {
	s := Snapshot{
		Time:  time.Now(),
		Stats: r.src.Stats(),
	}
	if r.proc != nil {
		if pct, err := r.proc.PercentWithContext(ctx, 0); err == nil {
			s.ProcessCPU = pct
		}
		if mi, err := r.proc.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			s.ProcessRSS = mi.RSS
		}
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		s.Load1 = avg.Load1
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemPercent = vm.UsedPercent
	}
	return s
}

func (r *Reporter) publish(s Snapshot) {
	for _, o := range r.observers {
		o(s)
	}
}

// LogObserver writes one progress line per snapshot at info level.
func LogObserver(logger *slog.Logger) Observer {
	return func(s Snapshot) {
		logger.Info("progress",
			slog.String("state", s.Stats.State.String()),
			slog.Int64("packets_in", s.Stats.PacketsIn),
			slog.Int64("frames_out", s.Stats.FramesOut),
			slog.Float64("fps", s.Stats.OutputFPS()),
			slog.Int64("bytes_out", s.Stats.Bytes),
			slog.Int("in_flight", s.Stats.InFlight),
			slog.Float64("cpu_percent", s.ProcessCPU),
			slog.Uint64("rss_bytes", s.ProcessRSS))
	}
}
