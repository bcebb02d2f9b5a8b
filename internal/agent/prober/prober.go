// Package prober verifies that configured agent binaries actually run.
// Adapters report ready purely from configuration; the prober catches the
// binary that is configured but missing, broken, or unlicensed, and folds
// that into the status surfaced to clients.
package prober

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adsproject/ads/internal/agent/adapter"
	"github.com/adsproject/ads/internal/agent/cliproc"
	"github.com/adsproject/ads/internal/common/logger"
	"go.uber.org/zap"
)

const defaultTimeout = 3 * time.Second

// probeArgvs are tried in order; the first zero exit wins.
var probeArgvs = [][]string{
	{"--version"},
	{"-v"},
	{"version"},
	{"--help"},
}

// Record is the cached outcome of probing one binary.
type Record struct {
	AgentID   string
	Binary    string
	OK        bool
	Error     string
	CheckedAt time.Time
}

// Prober runs availability probes and caches the results in memory.
type Prober struct {
	runner  *cliproc.Runner
	logger  *logger.Logger
	timeout time.Duration

	mu      sync.RWMutex
	records map[string]Record
}

// New creates a Prober. A non-positive timeout falls back to the default.
func New(log *logger.Logger, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Prober{
		runner:  cliproc.NewRunner(log),
		logger:  log.WithFields(zap.String("component", "prober")),
		timeout: timeout,
		records: make(map[string]Record),
	}
}

// Probe checks one binary and caches the record under the agent id.
func (p *Prober) Probe(ctx context.Context, agentID, binary string) Record {
	rec := Record{AgentID: agentID, Binary: binary, CheckedAt: time.Now()}
	if binary == "" {
		rec.Error = "no binary configured"
		p.store(rec)
		return rec
	}

	var lastErr string
	for _, argv := range probeArgvs {
		probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
		result, err := p.runner.Run(probeCtx, cliproc.Options{
			Binary: binary,
			Args:   argv,
		}, nil)
		cancel()

		if err != nil {
			lastErr = err.Error()
			// Spawn failures will not improve with a different argv.
			break
		}
		if result.Cancelled {
			lastErr = fmt.Sprintf("%s %s: timed out", binary, strings.Join(argv, " "))
			continue
		}
		if result.ExitCode == 0 {
			rec.OK = true
			p.store(rec)
			return rec
		}
		lastErr = fmt.Sprintf("%s %s: exit %d", binary, strings.Join(argv, " "), result.ExitCode)
		if result.Stderr != "" {
			lastErr += ": " + snippet(result.Stderr)
		}
	}

	rec.Error = lastErr
	p.logger.Warn("agent binary probe failed",
		zap.String("agent_id", agentID),
		zap.String("binary", binary),
		zap.String("error", lastErr))
	p.store(rec)
	return rec
}

// ProbeAll probes every entry of the id→binary map.
func (p *Prober) ProbeAll(ctx context.Context, binaries map[string]string) {
	for id, bin := range binaries {
		p.Probe(ctx, id, bin)
	}
}

// Start probes all binaries immediately and then on the given interval until
// the context is cancelled.
func (p *Prober) Start(ctx context.Context, binaries map[string]string, interval time.Duration) {
	p.ProbeAll(ctx, binaries)
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.ProbeAll(ctx, binaries)
			}
		}
	}()
}

// Lookup returns the cached record for an agent id.
func (p *Prober) Lookup(agentID string) (Record, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[agentID]
	return rec, ok
}

// MergeStatus folds the probe outcome into an adapter's own status. A status
// that is already not-ready passes through unchanged, as does one whose
// binary probed fine or was never probed.
func (p *Prober) MergeStatus(agentID string, st adapter.Status) adapter.Status {
	if !st.Ready {
		return st
	}
	rec, ok := p.Lookup(agentID)
	if !ok || rec.OK {
		return st
	}
	st.Ready = false
	st.Error = rec.Error
	return st
}

func (p *Prober) store(rec Record) {
	p.mu.Lock()
	p.records[rec.AgentID] = rec
	p.mu.Unlock()
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
