// Package syncer implements the network-state-driven sync engine: it
// borrows pending items from the queue store, re-authorizes and decrypts
// them, delivers them in prioritized batches, classifies failures into
// retryable and permanent, and schedules jittered retries. A single
// in-flight pass is enforced; concurrent calls return immediately.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tbourn/pos-offline-queue/internal/domain"
	"github.com/tbourn/pos-offline-queue/internal/encryption"
	"github.com/tbourn/pos-offline-queue/internal/metrics"
	"github.com/tbourn/pos-offline-queue/internal/netmon"
	"github.com/tbourn/pos-offline-queue/internal/queue"
	"github.com/tbourn/pos-offline-queue/internal/security"
	"github.com/tbourn/pos-offline-queue/internal/transport"
)

// Wire headers attached to every delivery.
const (
	HeaderRestaurantID   = "X-Restaurant-Id"
	HeaderIdempotencyKey = "X-Idempotency-Key"
)

// DefaultBatchSize is the number of items processed per batch.
const DefaultBatchSize = 10

// DefaultSyncInterval is the periodic sync cadence while online.
const DefaultSyncInterval = 30 * time.Second

// Result is the aggregate outcome of one sync pass.
type Result struct {
	Success       bool `json:"success"`
	SyncedCount   int  `json:"synced_count"`
	FailedCount   int  `json:"failed_count"`
	ConflictCount int  `json:"conflict_count"`
}

// SessionFunc supplies the current session snapshot for timer-driven
// passes. The composition root injects it; the engine never reaches into
// a global store.
type SessionFunc func() *domain.Session

// Engine orchestrates sync passes. Construct with New.
type Engine struct {
	store   *queue.Store
	guard   *security.Guard
	crypto  *encryption.Manager
	client  transport.Client
	monitor netmon.Monitor
	session SessionFunc
	log     zerolog.Logger

	baseURL      string
	authHeaders  func() map[string]string
	batchSize    int
	syncInterval time.Duration
	backoff      Backoff
	limiter      *rate.Limiter

	online  atomic.Bool
	syncing atomic.Bool

	mu          sync.Mutex
	timers      map[string]*time.Timer
	tickerStop  chan struct{}
	janitorStop chan struct{}
	unsubscribe func()
	destroyed   bool

	bytesSent atomic.Uint64

	// onResult is invoked after every completed pass (statistics fan-out).
	onResult func(Result)
}

// Options configures an Engine.
type Options struct {
	Store   *queue.Store
	Guard   *security.Guard
	Crypto  *encryption.Manager
	Client  transport.Client
	Monitor netmon.Monitor
	Session SessionFunc
	Log     zerolog.Logger

	BaseURL      string
	AuthHeaders  func() map[string]string
	BatchSize    int
	SyncInterval time.Duration
	Backoff      Backoff
	// DeliveryRPS throttles outbound requests; zero disables throttling.
	DeliveryRPS   float64
	DeliveryBurst int
	OnResult      func(Result)
}

// New wires an Engine and subscribes it to connectivity changes. The
// initial online state comes from a monitor fetch.
func New(ctx context.Context, opts Options) *Engine {
	e := &Engine{
		store:        opts.Store,
		guard:        opts.Guard,
		crypto:       opts.Crypto,
		client:       opts.Client,
		monitor:      opts.Monitor,
		session:      opts.Session,
		log:          opts.Log,
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		authHeaders:  opts.AuthHeaders,
		batchSize:    opts.BatchSize,
		syncInterval: opts.SyncInterval,
		backoff:      opts.Backoff,
		timers:       make(map[string]*time.Timer),
		onResult:     opts.OnResult,
	}
	if e.batchSize <= 0 {
		e.batchSize = DefaultBatchSize
	}
	if e.syncInterval <= 0 {
		e.syncInterval = DefaultSyncInterval
	}
	if opts.DeliveryRPS > 0 {
		burst := opts.DeliveryBurst
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.DeliveryRPS), burst)
	}

	if e.monitor != nil {
		e.handleConnectivity(e.monitor.Fetch(ctx))
		e.unsubscribe = e.monitor.Subscribe(e.handleConnectivity)
	}
	e.janitorStop = make(chan struct{})
	go e.runJanitor(e.janitorStop)
	return e
}

// runJanitor sweeps expired items on the sync cadence. It runs even
// while offline, so nothing outlives its retention window waiting for
// connectivity to come back.
func (e *Engine) runJanitor(stop <-chan struct{}) {
	ticker := time.NewTicker(e.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.store.Cleanup(context.Background())
		}
	}
}

// Online reports the current connectivity flag.
func (e *Engine) Online() bool { return e.online.Load() }

// Syncing reports whether a pass is in flight.
func (e *Engine) Syncing() bool { return e.syncing.Load() }

// BytesTransferred returns the cumulative payload bytes delivered.
func (e *Engine) BytesTransferred() uint64 { return e.bytesSent.Load() }

// SyncQueue runs one sync pass for the given tenant (or, for a
// platform-owner session with an empty tenant, all tenants). It is a
// no-op returning Success=false while offline or when another pass is
// already in flight.
func (e *Engine) SyncQueue(ctx context.Context, sess *domain.Session, restaurantID string) Result {
	tr := otel.Tracer("syncer/Engine")
	ctx, span := tr.Start(ctx, "SyncQueue",
		trace.WithAttributes(attribute.String("restaurant.id", restaurantID)),
	)
	defer span.End()

	if !e.online.Load() {
		return Result{}
	}
	if !e.syncing.CompareAndSwap(false, true) {
		return Result{}
	}
	defer e.syncing.Store(false)

	// Sweep first so an item past its retention window is never
	// selected for delivery, however long the device sat offline.
	e.store.Cleanup(ctx)

	scope := restaurantID
	if scope == "" && (sess == nil || !sess.IsPlatformOwner) {
		if sess == nil {
			return Result{}
		}
		scope = sess.RestaurantID
	}

	items := e.store.Pending(scope)
	if len(items) == 0 {
		res := Result{Success: true}
		e.report(res)
		return res
	}

	e.log.Info().
		Str("restaurant_id", scope).
		Int("items", len(items)).
		Msg("sync pass started")

	res := Result{Success: true}
	touched := make(map[string]struct{})

	for start := 0; start < len(items); start += e.batchSize {
		if !e.online.Load() {
			// Connectivity dropped mid-pass; the rest stays queued.
			res.Success = false
			break
		}
		end := start + e.batchSize
		if end > len(items) {
			end = len(items)
		}
		for _, item := range items[start:end] {
			touched[item.RestaurantID] = struct{}{}
			e.processItem(ctx, sess, item, &res)
		}
		e.store.Flush(ctx, keys(touched)...)
	}

	span.SetAttributes(
		attribute.Int("sync.synced", res.SyncedCount),
		attribute.Int("sync.failed", res.FailedCount),
		attribute.Int("sync.conflicts", res.ConflictCount),
	)
	e.log.Info().
		Int("synced", res.SyncedCount).
		Int("failed", res.FailedCount).
		Int("conflicts", res.ConflictCount).
		Msg("sync pass finished")

	e.report(res)
	return res
}

// processItem delivers one borrowed item and reports the outcome back to
// the store.
func (e *Engine) processItem(ctx context.Context, sess *domain.Session, item *domain.QueuedRequest, res *Result) {
	// Authorization is re-checked at delivery time so revoked access
	// blocks items that were valid when queued. Only the item owner's
	// own lost tenant access is terminal; a session that merely cannot
	// vouch for the item (another user's order on a shared device)
	// leaves it queued for a pass that can.
	if err := e.guard.ValidateAccess(sess, item.Metadata.UserID, item.RestaurantID); err != nil {
		if errors.Is(err, security.ErrTenantViolation) {
			e.store.CompleteFailure(item.ID, fmt.Sprintf("access revoked: %v", err), true)
			res.FailedCount++
			return
		}
		e.log.Debug().
			Str("request_id", item.ID).
			Str("user_id", item.Metadata.UserID).
			Msg("item skipped, session cannot authorize it")
		return
	}

	body, err := e.deliveryBody(item)
	if err != nil {
		e.store.CompleteFailure(item.ID, err.Error(), true)
		res.FailedCount++
		return
	}

	e.store.MarkInProgress(item.ID)

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			e.store.CompleteFailure(item.ID, "sync cancelled", false)
			res.FailedCount++
			return
		}
	}

	headers := map[string]string{
		HeaderRestaurantID:   item.RestaurantID,
		HeaderIdempotencyKey: item.Metadata.IdempotencyKey,
	}
	if e.authHeaders != nil {
		for k, v := range e.authHeaders() {
			headers[k] = v
		}
	}

	resp, err := e.client.Send(ctx, item.Method, e.baseURL+item.Endpoint, headers, body)
	switch {
	case err != nil:
		// Never reached the backend: retryable.
		e.failRetryable(sess, item, fmt.Sprintf("network error: %v", err))
		res.FailedCount++
	case resp.OK:
		e.bytesSent.Add(uint64(len(body)))
		metrics.BytesTransferredTotal.Add(float64(len(body)))
		e.store.CompleteSuccess(ctx, item.ID)
		res.SyncedCount++
	case resp.Status == 409:
		e.store.CompleteConflict(item.ID, fmt.Sprintf("conflict (strategy %s)", item.ConflictResolution))
		res.ConflictCount++
	case resp.Status >= 500 || resp.Status == 429:
		e.failRetryable(sess, item, fmt.Sprintf("server error: status %d", resp.Status))
		res.FailedCount++
	default:
		// 4xx: the request itself is bad; retrying cannot fix it.
		e.store.CompleteFailure(item.ID, fmt.Sprintf("rejected: status %d", resp.Status), true)
		res.FailedCount++
	}
}

// deliveryBody decrypts (when needed) and integrity-checks the payload.
// GET and DELETE requests carry no body.
func (e *Engine) deliveryBody(item *domain.QueuedRequest) ([]byte, error) {
	if item.Method == "GET" || item.Method == "DELETE" {
		return nil, nil
	}
	payload := item.Payload
	if item.Encrypted {
		var encoded string
		if err := json.Unmarshal(item.Payload, &encoded); err != nil {
			return nil, fmt.Errorf("malformed encrypted payload: %w", err)
		}
		plain, err := e.crypto.Decrypt(encoded)
		if err != nil {
			return nil, fmt.Errorf("payload decrypt failed: %w", err)
		}
		payload = plain
	}
	if !domain.VerifyChecksum(payload, item.Checksum) {
		return nil, errors.New("payload checksum mismatch")
	}
	return payload, nil
}

// failRetryable bumps the retry count and, when retries remain, schedules
// a delayed re-sync of the item's tenant with the session captured at
// failure time.
func (e *Engine) failRetryable(sess *domain.Session, item *domain.QueuedRequest, lastError string) {
	e.store.CompleteFailure(item.ID, lastError, false)

	current, ok := e.store.Get(item.ID)
	if !ok || current.Status != domain.StatusPending {
		return
	}
	delay := e.backoff.Delay(current.RetryCount - 1)
	tenant := item.RestaurantID

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	if prev, ok := e.timers[item.ID]; ok {
		prev.Stop()
	}
	e.timers[item.ID] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, item.ID)
		e.mu.Unlock()
		if e.online.Load() {
			e.SyncQueue(context.Background(), sess, tenant)
		}
	})
	e.mu.Unlock()

	e.log.Debug().
		Str("request_id", item.ID).
		Dur("delay", delay).
		Int("retry", current.RetryCount).
		Msg("retry scheduled")
}

// handleConnectivity flips the online flag. Going online (re)starts the
// periodic timer and triggers an immediate pass; going offline stops the
// timer and lets in-flight attempts fail on their own.
func (e *Engine) handleConnectivity(st netmon.State) {
	wasOnline := e.online.Swap(st.Online())
	if st.Online() == wasOnline {
		return
	}
	e.log.Info().Bool("online", st.Online()).Msg("connectivity changed")

	if st.Online() {
		e.startTicker()
		if e.session != nil {
			go e.SyncQueue(context.Background(), e.session(), "")
		}
	} else {
		e.stopTicker()
	}
}

func (e *Engine) startTicker() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed || e.tickerStop != nil {
		return
	}
	stop := make(chan struct{})
	e.tickerStop = stop

	go func() {
		ticker := time.NewTicker(e.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if e.session != nil && e.online.Load() {
					e.SyncQueue(context.Background(), e.session(), "")
				}
			}
		}
	}()
}

func (e *Engine) stopTicker() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tickerStop != nil {
		close(e.tickerStop)
		e.tickerStop = nil
	}
}

// Destroy cancels all pending retries, stops the periodic and retention
// sweeps, and unsubscribes from connectivity notifications. In-flight deliveries are
// left to finish naturally.
func (e *Engine) Destroy() {
	e.mu.Lock()
	e.destroyed = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	if e.tickerStop != nil {
		close(e.tickerStop)
		e.tickerStop = nil
	}
	if e.janitorStop != nil {
		close(e.janitorStop)
		e.janitorStop = nil
	}
	unsub := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (e *Engine) report(res Result) {
	if e.onResult != nil {
		e.onResult(res)
	}
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
