// Package queue implements the tenant-partitioned, bounded request store.
//
// The store holds the canonical copy of every queued request in two tiers:
// the full per-tenant set (capacity MaxQueueSize, mirrored to a single
// persisted record per tenant) and a smaller working set (capacity
// MaxMemoryItems) used for quick statistics and sync selection. Admission
// and eviction run inside one critical section per store, so two
// near-capacity admissions cannot race each other into an oversized queue.
//
// Persistence is write-through but best-effort: the in-memory state is
// authoritative and a failed flush is logged and retried on the next
// mutation.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/pos-offline-queue/internal/domain"
	"github.com/tbourn/pos-offline-queue/internal/metrics"
	"github.com/tbourn/pos-offline-queue/internal/repo"
)

// ErrOverflow indicates the tenant's queue is at capacity and eviction
// could not free the required number of slots.
var ErrOverflow = errors.New("queue overflow")

const (
	// MaxQueueSize caps each tenant's persisted queue.
	MaxQueueSize = 500
	// MaxMemoryItems caps the fast working set per tenant.
	MaxMemoryItems = 100
	// MaxQueueAge is the TTL swept by Cleanup.
	MaxQueueAge = 7 * 24 * time.Hour
	// evictionGrace protects young HIGH-or-better items from eviction.
	evictionGrace = time.Hour
	// evictionShare is the fraction of candidates removed per eviction.
	evictionShare = 0.2
	// evictionFloor is the minimum number of items an eviction removes.
	evictionFloor = 10
)

// Store owns the canonical queue state. Collaborators borrow items and
// report outcomes through the Complete*/Mark* methods; they never mutate
// requests they received from the store directly.
type Store struct {
	DB  *gorm.DB
	Log zerolog.Logger

	// Capacity overrides, mainly for tests. Zero means the defaults.
	MaxSize    int
	MaxMemory  int
	MaxAge     time.Duration
	now        func() time.Time
	mu         sync.Mutex
	queues     map[string][]*domain.QueuedRequest
	working    map[string][]*domain.QueuedRequest
	evictCount uint64
}

// Load hydrates the in-memory tiers from persisted storage. Call once at
// startup; tenants with corrupt records are skipped with a warning.
func (s *Store) Load(ctx context.Context) error {
	if s.DB == nil {
		return nil
	}
	tenants, err := repo.ListTenantIDs(ctx, s.DB)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	for _, tenant := range tenants {
		items, err := repo.LoadTenantQueue(ctx, s.DB, tenant)
		if err != nil {
			s.Log.Warn().Err(err).Str("restaurant_id", tenant).Msg("skipping corrupt tenant queue record")
			continue
		}
		// Anything left in_progress by a previous process is pending again.
		for _, it := range items {
			if it.Status == domain.StatusInProgress {
				it.Status = domain.StatusPending
			}
		}
		s.queues[tenant] = items
		s.rebuildWorkingLocked(tenant)
	}
	return nil
}

// Admit inserts a request for its owning tenant, evicting lower-value
// items first when the tenant is at capacity. Partial evictions are not
// rolled back: when eviction cannot free the required count the admission
// fails with ErrOverflow but items already evicted stay evicted.
func (s *Store) Admit(ctx context.Context, req *domain.QueuedRequest) error {
	s.mu.Lock()
	s.init()
	tenant := req.RestaurantID
	if len(s.queues[tenant]) >= s.maxSize() {
		evicted, err := s.evictLocked(tenant)
		if evicted > 0 {
			s.evictCount += uint64(evicted)
			metrics.EvictionsTotal.Add(float64(evicted))
		}
		if err != nil {
			s.mu.Unlock()
			s.persist(ctx, tenant)
			return err
		}
	}
	s.queues[tenant] = append(s.queues[tenant], req)
	if len(s.working[tenant]) < s.maxMemory() {
		s.working[tenant] = append(s.working[tenant], req)
	}
	s.mu.Unlock()

	s.persist(ctx, tenant)
	return nil
}

// evictLocked frees room in a full tenant queue. Candidates are every
// non-in-progress item; CRITICAL items are never chosen, and HIGH-or-
// better items younger than an hour are skipped. Among the rest, the
// least urgent and oldest go first.
func (s *Store) evictLocked(tenant string) (int, error) {
	now := s.clock()
	items := s.queues[tenant]

	candidates := make([]*domain.QueuedRequest, 0, len(items))
	for _, it := range items {
		if it.Status != domain.StatusInProgress {
			candidates = append(candidates, it)
		}
	}

	// Least valuable first: CRITICAL sorts last, then numerically higher
	// priority (less urgent) first, then older first.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if (a.Priority == domain.PriorityCritical) != (b.Priority == domain.PriorityCritical) {
			return b.Priority == domain.PriorityCritical
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Timestamp.Before(b.Timestamp)
	})

	required := int(math.Ceil(evictionShare * float64(len(candidates))))
	if required < evictionFloor {
		required = evictionFloor
	}

	victims := make(map[string]struct{}, required)
	for _, it := range candidates {
		if len(victims) >= required {
			break
		}
		if it.Priority == domain.PriorityCritical {
			continue
		}
		if it.Priority <= domain.PriorityHigh && it.Age(now) < evictionGrace {
			continue
		}
		victims[it.ID] = struct{}{}
	}

	if len(victims) > 0 {
		s.removeIDsLocked(tenant, victims)
		s.Log.Info().
			Str("restaurant_id", tenant).
			Int("evicted", len(victims)).
			Msg("queue eviction")
	}
	if len(victims) < required {
		return len(victims), fmt.Errorf("%w: could only evict %d of %d required items", ErrOverflow, len(victims), required)
	}
	return len(victims), nil
}

// Remove deletes a request by id from both tiers.
func (s *Store) Remove(ctx context.Context, id string) {
	s.mu.Lock()
	s.init()
	var tenant string
	for t, items := range s.queues {
		for _, it := range items {
			if it.ID == id {
				tenant = t
				break
			}
		}
	}
	if tenant == "" {
		s.mu.Unlock()
		return
	}
	s.removeIDsLocked(tenant, map[string]struct{}{id: {}})
	s.mu.Unlock()
	s.persist(ctx, tenant)
}

// Clear removes all requests for one tenant, or for every tenant when
// restaurantID is empty.
func (s *Store) Clear(ctx context.Context, restaurantID string) {
	s.mu.Lock()
	s.init()
	var tenants []string
	if restaurantID != "" {
		tenants = []string{restaurantID}
	} else {
		for t := range s.queues {
			tenants = append(tenants, t)
		}
	}
	for _, t := range tenants {
		delete(s.queues, t)
		delete(s.working, t)
	}
	s.mu.Unlock()

	if s.DB != nil {
		for _, t := range tenants {
			if err := repo.DeleteTenantQueue(ctx, s.DB, t); err != nil {
				s.Log.Warn().Err(err).Str("restaurant_id", t).Msg("queue record delete failed")
			}
		}
	}
}

// Cleanup sweeps expired items from both tiers and persisted storage, and
// offloads the least urgent items out of an over-full working set (they
// remain in the persisted tier). It returns the number of expired items.
func (s *Store) Cleanup(ctx context.Context) int {
	s.mu.Lock()
	s.init()
	now := s.clock()
	maxAge := s.MaxAge
	if maxAge <= 0 {
		maxAge = MaxQueueAge
	}

	removed := 0
	var dirty []string
	for tenant, items := range s.queues {
		expired := make(map[string]struct{})
		for _, it := range items {
			if it.Age(now) > maxAge {
				expired[it.ID] = struct{}{}
			}
		}
		if len(expired) > 0 {
			s.removeIDsLocked(tenant, expired)
			removed += len(expired)
			dirty = append(dirty, tenant)
		}
		if len(s.working[tenant]) > s.maxMemory() {
			s.rebuildWorkingLocked(tenant)
		}
	}
	s.mu.Unlock()

	for _, tenant := range dirty {
		s.persist(ctx, tenant)
	}
	if removed > 0 {
		s.Log.Info().Int("expired", removed).Msg("queue cleanup")
	}
	return removed
}

// Pending returns copies of the syncable (pending or failed-with-retries-
// left) requests for one tenant, or for all tenants when restaurantID is
// empty. The slice is ordered by ascending priority value, then age.
func (s *Store) Pending(restaurantID string) []*domain.QueuedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()

	var out []*domain.QueuedRequest
	appendTenant := func(tenant string) {
		for _, it := range s.queues[tenant] {
			if it.Status == domain.StatusPending ||
				(it.Status == domain.StatusFailed && it.RetryCount < it.MaxRetries) {
				cp := *it
				out = append(out, &cp)
			}
		}
	}
	if restaurantID != "" {
		appendTenant(restaurantID)
	} else {
		for tenant := range s.queues {
			appendTenant(tenant)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// MarkInProgress transitions a request into in_progress for the duration
// of a sync attempt.
func (s *Store) MarkInProgress(id string) {
	s.withRequest(id, func(it *domain.QueuedRequest) {
		it.Status = domain.StatusInProgress
	})
}

// CompleteSuccess removes a delivered request from the queue.
func (s *Store) CompleteSuccess(ctx context.Context, id string) {
	s.Remove(ctx, id)
}

// CompleteFailure records a failed attempt. Terminal failures keep the
// item with status failed and retries exhausted; retryable ones go back
// to pending with the retry count bumped.
func (s *Store) CompleteFailure(id, lastError string, terminal bool) {
	s.withRequest(id, func(it *domain.QueuedRequest) {
		it.LastError = lastError
		it.RetryCount++
		if terminal || it.RetryCount >= it.MaxRetries {
			it.Status = domain.StatusFailed
			if terminal {
				it.RetryCount = it.MaxRetries
			}
		} else {
			it.Status = domain.StatusPending
		}
	})
}

// CompleteConflict marks a request as conflicted; the backend (or a human)
// resolves it out of band.
func (s *Store) CompleteConflict(id, detail string) {
	s.withRequest(id, func(it *domain.QueuedRequest) {
		it.Status = domain.StatusConflict
		it.LastError = detail
	})
}

// Get returns a copy of a request by id.
func (s *Store) Get(id string) (*domain.QueuedRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	for _, items := range s.queues {
		for _, it := range items {
			if it.ID == id {
				cp := *it
				return &cp, true
			}
		}
	}
	return nil, false
}

// Size returns one tenant's full-tier count.
func (s *Store) Size(restaurantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	return len(s.queues[restaurantID])
}

// TotalSize returns the full-tier count across all tenants.
func (s *Store) TotalSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	n := 0
	for _, items := range s.queues {
		n += len(items)
	}
	return n
}

// MemorySize returns the working-set count across all tenants.
func (s *Store) MemorySize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	n := 0
	for _, items := range s.working {
		n += len(items)
	}
	return n
}

// Evictions returns the number of items evicted since startup.
func (s *Store) Evictions() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictCount
}

// Flush persists the named tenants, or every tenant when none are given.
func (s *Store) Flush(ctx context.Context, tenants ...string) {
	if len(tenants) == 0 {
		s.mu.Lock()
		s.init()
		for t := range s.queues {
			tenants = append(tenants, t)
		}
		s.mu.Unlock()
	}
	for _, t := range tenants {
		s.persist(ctx, t)
	}
}

// --- internals ---

func (s *Store) init() {
	if s.queues == nil {
		s.queues = make(map[string][]*domain.QueuedRequest)
		s.working = make(map[string][]*domain.QueuedRequest)
	}
}

func (s *Store) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

func (s *Store) maxSize() int {
	if s.MaxSize > 0 {
		return s.MaxSize
	}
	return MaxQueueSize
}

func (s *Store) maxMemory() int {
	if s.MaxMemory > 0 {
		return s.MaxMemory
	}
	return MaxMemoryItems
}

func (s *Store) withRequest(id string, fn func(*domain.QueuedRequest)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	for _, items := range s.queues {
		for _, it := range items {
			if it.ID == id {
				fn(it)
				return
			}
		}
	}
}

// removeIDsLocked drops the given ids from both tiers of one tenant.
func (s *Store) removeIDsLocked(tenant string, ids map[string]struct{}) {
	filter := func(items []*domain.QueuedRequest) []*domain.QueuedRequest {
		out := items[:0]
		for _, it := range items {
			if _, drop := ids[it.ID]; !drop {
				out = append(out, it)
			}
		}
		return out
	}
	s.queues[tenant] = filter(s.queues[tenant])
	s.working[tenant] = filter(s.working[tenant])
	if len(s.queues[tenant]) == 0 {
		delete(s.queues, tenant)
		delete(s.working, tenant)
	}
}

// rebuildWorkingLocked refills the working set with the tenant's most
// urgent, then oldest, items up to the memory cap.
func (s *Store) rebuildWorkingLocked(tenant string) {
	items := s.queues[tenant]
	ranked := make([]*domain.QueuedRequest, len(items))
	copy(ranked, items)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Priority != ranked[j].Priority {
			return ranked[i].Priority < ranked[j].Priority
		}
		return ranked[i].Timestamp.Before(ranked[j].Timestamp)
	})
	n := s.maxMemory()
	if n > len(ranked) {
		n = len(ranked)
	}
	s.working[tenant] = ranked[:n]
}

// persist flushes one tenant's record; failures are logged and swallowed
// because the in-memory state stays authoritative until the next flush.
func (s *Store) persist(ctx context.Context, tenant string) {
	if s.DB == nil {
		return
	}
	s.mu.Lock()
	items := make([]*domain.QueuedRequest, len(s.queues[tenant]))
	copy(items, s.queues[tenant])
	s.mu.Unlock()

	var err error
	if len(items) == 0 {
		err = repo.DeleteTenantQueue(ctx, s.DB, tenant)
	} else {
		err = repo.SaveTenantQueue(ctx, s.DB, tenant, items)
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		s.Log.Warn().Err(err).Str("restaurant_id", tenant).Msg("queue persistence failed")
	}
}
