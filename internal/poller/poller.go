// Package poller supplements live ingestion with pull-based history
// polling: each enabled scope's platform history is fetched from its
// persisted cursor and fed through the same ingestion buffer, so the
// identical dedup and flush rules apply.
package poller

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/memoclaw/internal/config"
	"github.com/nextlevelbuilder/memoclaw/internal/ingest"
	"github.com/nextlevelbuilder/memoclaw/internal/policy"
	"github.com/nextlevelbuilder/memoclaw/internal/store"
)

// checkEvery is how often the background loop re-evaluates the tick
// gate; the configured interval/cron decides whether a tick actually
// runs.
const checkEvery = 30 * time.Second

// scopeConcurrency bounds how many scopes one tick polls in parallel.
const scopeConcurrency = 4

// Poller periodically pulls platform history for every enabled scope.
type Poller struct {
	cfg     *config.Manager
	pol     *policy.Policy
	buffer  *ingest.Buffer
	store   *store.Store
	fetcher ingest.HistoryFetcher
	gron    *gronx.Gronx

	tickMu sync.Mutex // one tick at a time, process-wide

	mu       sync.Mutex
	lastTick time.Time
	running  bool
	cancel   context.CancelFunc
}

// New creates a poller. fetcher may be nil, which disables polling.
func New(cfg *config.Manager, pol *policy.Policy, buffer *ingest.Buffer, st *store.Store, fetcher ingest.HistoryFetcher) *Poller {
	return &Poller{
		cfg:     cfg,
		pol:     pol,
		buffer:  buffer,
		store:   st,
		fetcher: fetcher,
		gron:    gronx.New(),
	}
}

// Start begins the background polling loop.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true

	go p.loop(ctx)
	slog.Info("history poller started")
}

// Stop halts the background loop. In-flight ticks finish on their own.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.cancel()
	p.running = false
	slog.Info("history poller stopped")
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx, false)
		}
	}
}

// Tick runs one polling pass. It is a no-op when polling is disabled
// (interval 0), when the last tick is more recent than the interval
// (unless forced), or when another tick is already running.
func (p *Poller) Tick(ctx context.Context, force bool) {
	pc := p.cfg.Get().Poll
	if pc.IntervalSeconds <= 0 || p.fetcher == nil {
		return
	}

	if !force {
		p.mu.Lock()
		tooSoon := time.Since(p.lastTick) < time.Duration(pc.IntervalSeconds)*time.Second
		p.mu.Unlock()
		if tooSoon {
			return
		}
		if pc.Cron != "" {
			due, err := p.gron.IsDue(pc.Cron, time.Now())
			if err != nil {
				slog.Warn("invalid poll cron expression, ignoring gate", "cron", pc.Cron, "error", err)
			} else if !due {
				return
			}
		}
	}

	if !p.tickMu.TryLock() {
		return
	}
	defer p.tickMu.Unlock()

	p.mu.Lock()
	p.lastTick = time.Now()
	p.mu.Unlock()

	scopes := p.pol.EnabledGroups()
	if len(scopes) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scopeConcurrency)
	for _, scopeID := range scopes {
		scopeID := scopeID
		g.Go(func() error {
			// Per-scope failures are logged inside; one scope never
			// aborts the rest of the tick.
			p.pollScope(gctx, scopeID, pc.BatchSize)
			return nil
		})
	}
	g.Wait()
}

func (p *Poller) pollScope(ctx context.Context, scopeID string, batchSize int) {
	cursor, err := p.store.GetCursor(scopeID)
	if err != nil {
		slog.Warn("poll: cursor load failed", "scope", scopeID, "error", err)
		return
	}

	msgs, err := p.fetcher.Fetch(ctx, scopeID, cursor, batchSize)
	if err != nil {
		slog.Warn("poll: history fetch failed", "scope", scopeID, "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].TimestampMS < msgs[j].TimestampMS
	})

	accepted := 0
	for _, m := range msgs {
		if m.ScopeID == "" {
			m.ScopeID = scopeID
		}
		if p.buffer.Push(scopeID, m) {
			accepted++
		}
	}

	// Advance the cursor past everything this batch processed, whether
	// or not anything was accepted or a flush fired, so the next tick
	// does not refetch filtered messages.
	last := msgs[len(msgs)-1]
	if err := p.store.SaveCursor(scopeID, last.ID, last.TimestampMS); err != nil {
		slog.Warn("poll: cursor save failed", "scope", scopeID, "error", err)
	}

	slog.Debug("poll: scope processed", "scope", scopeID, "fetched", len(msgs), "accepted", accepted)
}
