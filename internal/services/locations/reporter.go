package locations

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/CourierBox/internal/integrations/dispatch"
)

var ErrNoPosition = errors.New("no position recorded yet")

type Identity interface {
	CourierID() uint64
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Reporter pushes the courier's GPS position to the backend so the dispatch
// map stays live. Positions arrive over the local API; the run loop re-sends
// the last known one so a quiet device does not fall off the map.
type Reporter struct {
	client   dispatch.Client
	identity Identity
	rl       RateLimiter

	reportInterval     time.Duration
	rateLimitPerMinute int64

	triggerCh chan struct{}

	mu       sync.Mutex
	lat, lng float64
	hasPos   bool

	startedAtUnixNano int64
	lastSentUnixNano  atomic.Int64
	totalSent         atomic.Int64
	totalErrors       atomic.Int64
	lastErrorMu       sync.Mutex
	lastError         string
}

func New(client dispatch.Client, identity Identity, rl RateLimiter) *Reporter {
	return &Reporter{
		client:             client,
		identity:           identity,
		rl:                 rl,
		reportInterval:     60 * time.Second,
		rateLimitPerMinute: 12,
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (r *Reporter) WithSettings(interval time.Duration, rlPerMin int64) *Reporter {
	if interval > 0 {
		r.reportInterval = interval
	}
	if rlPerMin > 0 {
		r.rateLimitPerMinute = rlPerMin
	}
	return r
}

// SetPosition records the latest fix and requests an immediate send
// (best-effort, non-blocking).
func (r *Reporter) SetPosition(lat, lng float64) {
	r.mu.Lock()
	r.lat, r.lng = lat, lng
	r.hasPos = true
	r.mu.Unlock()

	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

func (r *Reporter) position() (lat, lng float64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lat, r.lng, r.hasPos
}

type Stats struct {
	StartedAt   time.Time  `json:"startedAt"`
	LastSentAt  *time.Time `json:"lastSentAt,omitempty"`
	TotalSent   int64      `json:"totalSent"`
	TotalErrors int64      `json:"totalErrors"`
	LastError   string     `json:"lastError,omitempty"`
}

func (r *Reporter) Stats() Stats {
	st := Stats{
		StartedAt:   time.Unix(0, r.startedAtUnixNano).UTC(),
		TotalSent:   r.totalSent.Load(),
		TotalErrors: r.totalErrors.Load(),
	}
	if n := r.lastSentUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastSentAt = &t
	}
	r.lastErrorMu.Lock()
	st.LastError = r.lastError
	r.lastErrorMu.Unlock()
	return st
}

func (r *Reporter) Run(ctx context.Context) error {
	t := time.NewTicker(r.reportInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.reportOnce(ctx)
		case <-r.triggerCh:
			r.reportOnce(ctx)
		}
	}
}

func (r *Reporter) reportOnce(ctx context.Context) {
	if err := r.Report(ctx); err != nil && !errors.Is(err, ErrNoPosition) {
		r.totalErrors.Add(1)
		r.lastErrorMu.Lock()
		r.lastError = err.Error()
		r.lastErrorMu.Unlock()
		slog.Error("report location", "error", err.Error())
	}
}

// Report sends the last known position once. Rate limited per courier when a
// limiter is wired, to spare the backend from chatty devices.
func (r *Reporter) Report(ctx context.Context) error {
	me := r.identity.CourierID()
	if me == 0 {
		return nil
	}
	lat, lng, ok := r.position()
	if !ok {
		return ErrNoPosition
	}

	if r.rl != nil && r.rateLimitPerMinute > 0 {
		now := time.Now().UTC()
		minuteKey := fmt.Sprintf("rl:loc:%d:%s", me, now.Format("200601021504"))
		allowed, n, err := r.rl.Allow(ctx, minuteKey, r.rateLimitPerMinute, 70*time.Second)
		if err != nil {
			return err
		}
		if !allowed {
			slog.Warn("location rate limit exceeded", "courier_id", me, "count", n)
			return nil
		}
	}

	if err := r.client.UpdateLocation(ctx, lat, lng); err != nil {
		return errors.Wrap(err, "update location")
	}
	r.totalSent.Add(1)
	r.lastSentUnixNano.Store(time.Now().UTC().UnixNano())
	return nil
}
