package registry

import (
	"log/slog"
	"sync"
	"time"

	units "github.com/docker/go-units"
)

// LogProgress reports blob download lifecycle events through a *slog.Logger,
// rendering byte counts with units.HumanSize rather than raw integers and
// throttling Update callbacks so a large blob does not flood the log.
type LogProgress struct {
	Logger   *slog.Logger
	Interval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// NewLogProgress builds a LogProgress reporting through logger, emitting at
// most one Update line per digest every interval (zero means 500ms), plus
// the final Update of a blob whose total size is known.
func NewLogProgress(logger *slog.Logger, interval time.Duration) *LogProgress {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &LogProgress{
		Logger:   logger,
		Interval: interval,
		last:     map[string]time.Time{},
	}
}

func (p *LogProgress) Stage(digest, stage string) {
	p.Logger.Info(stage, "digest", digest)
	if stage == "complete" {
		p.mu.Lock()
		delete(p.last, digest)
		p.mu.Unlock()
	}
}

func (p *LogProgress) Update(digest string, current, total int64) {
	now := time.Now()

	p.mu.Lock()
	if last, ok := p.last[digest]; ok && now.Sub(last) < p.Interval && (total <= 0 || current < total) {
		p.mu.Unlock()
		return
	}
	p.last[digest] = now
	p.mu.Unlock()

	if total <= 0 {
		p.Logger.Debug("downloading", "digest", digest, "current", units.HumanSize(float64(current)))
		return
	}
	p.Logger.Debug("downloading",
		"digest", digest,
		"current", units.HumanSize(float64(current)),
		"total", units.HumanSize(float64(total)),
	)
}
