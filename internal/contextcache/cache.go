// Package contextcache keeps per-user conversation contexts in memory in
// front of a durable memory.Store.
//
// Reads prefer the cached copy and fall back to the store; writes go to
// both. Persistence is best-effort: a failed store call is logged and the
// in-memory copy stays authoritative for the rest of the process
// lifetime.
package contextcache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/antoniostano/chatrelay/internal/memory"
	"github.com/antoniostano/chatrelay/internal/tokens"
)

var (
	ErrEmptyContent = errors.New("turn content is empty")
	ErrInvalidRole  = errors.New("turn role must be user or assistant")
)

const (
	DefaultMaxAge        = 24 * time.Hour
	DefaultSweepInterval = 10 * time.Minute
)

// Patch lists the fields Update replaces. Nil fields are left untouched.
type Patch struct {
	History    *[]memory.Turn
	Summary    *string
	TokenUsage *int
}

// Stats is a read-only view of the cache. The UpdatedAt bounds are nil
// while the cache is empty.
type Stats struct {
	TotalContexts   int        `json:"total_contexts"`
	CacheSize       int        `json:"cache_size"`
	OldestUpdatedAt *time.Time `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt *time.Time `json:"newest_updated_at,omitempty"`
	LastSweepAt     time.Time  `json:"last_sweep_at"`
}

// Options configures a Cache.
type Options struct {
	MaxAge        time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
}

// Cache is the in-process context layer. It is safe for concurrent use.
type Cache struct {
	store  memory.Store
	logger *slog.Logger
	now    func() time.Time

	maxAge        time.Duration
	sweepInterval time.Duration

	mu        sync.RWMutex
	entries   map[string]*memory.UserContext
	detached  map[string]bool
	lastSweep time.Time
	sweeping  bool

	locksMu sync.Mutex
	locks   map[string]*userLock

	loads singleflight.Group

	hookMu            sync.RWMutex
	onSweep           func(removed int)
	onPersistFailure  func(op string)
	onContextsChanged func(size int)
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// New returns a Cache in front of store. Zero options take the package defaults.
func New(store memory.Store, opts Options) *Cache {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		store:         store,
		logger:        opts.Logger,
		now:           func() time.Time { return time.Now().UTC() },
		maxAge:        opts.MaxAge,
		sweepInterval: opts.SweepInterval,
		entries:       make(map[string]*memory.UserContext),
		detached:      make(map[string]bool),
		locks:         make(map[string]*userLock),
		lastSweep:     time.Now().UTC(),
	}
}

// SetSweepHook registers a callback invoked after each sweep with the
// number of contexts removed from memory and the store.
func (c *Cache) SetSweepHook(hook func(removed int)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onSweep = hook
}

// SetPersistFailureHook registers a callback invoked when a store call fails.
func (c *Cache) SetPersistFailureHook(hook func(op string)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onPersistFailure = hook
}

// SetSizeHook registers a callback invoked with the cache size whenever
// an entry is added or removed.
func (c *Cache) SetSizeHook(hook func(size int)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onContextsChanged = hook
}

// Lock serializes work on a single user's context. The returned function
// releases the lock. Callers that perform a read-modify-write cycle over
// several cache calls (a chat turn) hold it for the whole cycle so two
// concurrent requests for the same user cannot lose each other's update.
func (c *Cache) Lock(userID string) func() {
	c.locksMu.Lock()
	l, ok := c.locks[userID]
	if !ok {
		l = &userLock{}
		c.locks[userID] = l
	}
	l.refs++
	c.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, userID)
		}
		c.locksMu.Unlock()
	}
}

// GetOrCreate returns the cached context when present and not expired,
// otherwise the stored row, otherwise a new empty context which is saved.
// It never fails: store errors degrade to an in-memory context.
//
// A context created because the store could not be read is detached: it
// is not saved, and every access retries the load until the store answers.
func (c *Cache) GetOrCreate(ctx context.Context, userID string) memory.UserContext {
	c.MaybeSweep(ctx)

	now := c.now()
	c.mu.Lock()
	if e, ok := c.entries[userID]; ok {
		if !c.expired(e, now) {
			detached := c.detached[userID]
			c.mu.Unlock()
			if detached {
				c.reattach(ctx, userID)
			}
			c.mu.Lock()
			if e, ok := c.entries[userID]; ok {
				e.LastActivity = c.now()
				out := e.Clone()
				c.mu.Unlock()
				return out
			}
		} else {
			delete(c.entries, userID)
			delete(c.detached, userID)
		}
	}
	c.mu.Unlock()

	v, _, _ := c.loads.Do(userID, func() (any, error) {
		return c.loadOrCreate(ctx, userID), nil
	})
	res := v.(loadResult)
	uc := res.uc

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[userID]; ok {
		// Another caller populated the entry while we were loading.
		e.LastActivity = c.now()
		return e.Clone()
	}
	uc.LastActivity = c.now()
	stored := uc.Clone()
	c.entries[userID] = &stored
	if res.detached {
		c.detached[userID] = true
	}
	c.notifySizeLocked()
	return uc.Clone()
}

type loadResult struct {
	uc       memory.UserContext
	detached bool
}

func (c *Cache) loadOrCreate(ctx context.Context, userID string) loadResult {
	now := c.now()
	uc, err := c.store.Load(ctx, userID)
	detached := false
	switch {
	case err == nil:
		if c.expired(&uc, now) {
			c.deleteFromStore(ctx, userID)
			break
		}
		if uc.History == nil {
			uc.History = []memory.Turn{}
		}
		return loadResult{uc: uc}
	case errors.Is(err, memory.ErrNotFound):
	default:
		c.persistFailed("load", userID, err)
		detached = true
	}

	fresh := memory.UserContext{
		UserID:       userID,
		History:      []memory.Turn{},
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActivity: now,
	}
	if !detached {
		if err := c.store.Save(ctx, fresh); err != nil {
			c.persistFailed("create", userID, err)
		}
	}
	return loadResult{uc: fresh, detached: detached}
}

// reattach retries the load for a detached context. A live stored row
// becomes the base and the turns recorded while detached are appended to
// it; without one the detached context is kept and saved as is.
func (c *Cache) reattach(ctx context.Context, userID string) {
	stored, err := c.store.Load(ctx, userID)
	if err != nil && !errors.Is(err, memory.ErrNotFound) {
		c.persistFailed("load", userID, err)
		return
	}

	now := c.now()
	c.mu.Lock()
	e, ok := c.entries[userID]
	if !ok || !c.detached[userID] {
		c.mu.Unlock()
		return
	}
	delete(c.detached, userID)
	if err == nil && !c.expired(&stored, now) {
		stored.History = append(stored.History, e.History...)
		switch {
		case stored.Summary == "":
			stored.Summary = e.Summary
		case e.Summary != "":
			stored.Summary += "\n\n" + e.Summary
		}
		stored.TokenUsage = EstimateUsage(stored)
		stored.Version++
		stored.UpdatedAt = now
		stored.LastActivity = now
		*e = stored
	}
	snapshot := e.Clone()
	c.mu.Unlock()

	if err := c.store.Save(ctx, snapshot); err != nil {
		c.persistFailed("save", userID, err)
	}
}

// Update merges the patch into the context, refreshes UpdatedAt and persists.
func (c *Cache) Update(ctx context.Context, userID string, patch Patch) memory.UserContext {
	return c.mutate(ctx, userID, func(uc *memory.UserContext) {
		if patch.History != nil {
			uc.History = append([]memory.Turn{}, (*patch.History)...)
		}
		if patch.Summary != nil {
			uc.Summary = *patch.Summary
		}
		if patch.TokenUsage != nil {
			uc.TokenUsage = *patch.TokenUsage
		}
	})
}

// AppendTurn appends a turn stamped with the current time.
func (c *Cache) AppendTurn(ctx context.Context, userID string, role memory.Role, content string) (memory.UserContext, error) {
	if strings.TrimSpace(content) == "" {
		return memory.UserContext{}, ErrEmptyContent
	}
	if !role.Valid() {
		return memory.UserContext{}, ErrInvalidRole
	}
	uc := c.mutate(ctx, userID, func(uc *memory.UserContext) {
		uc.History = append(uc.History, memory.Turn{
			Role:      role,
			Content:   content,
			Timestamp: c.now().UnixMilli(),
		})
	})
	return uc, nil
}

// Clear empties history and summary and resets token usage. CreatedAt is kept.
func (c *Cache) Clear(ctx context.Context, userID string) memory.UserContext {
	return c.mutate(ctx, userID, func(uc *memory.UserContext) {
		uc.History = []memory.Turn{}
		uc.Summary = ""
		uc.TokenUsage = 0
	})
}

// Delete removes the context from the cache and the store. It reports
// whether a context existed in either place.
func (c *Cache) Delete(ctx context.Context, userID string) bool {
	c.mu.Lock()
	_, cached := c.entries[userID]
	delete(c.entries, userID)
	delete(c.detached, userID)
	if cached {
		c.notifySizeLocked()
	}
	c.mu.Unlock()

	stored, err := c.store.Delete(ctx, userID)
	if err != nil {
		c.persistFailed("delete", userID, err)
	}
	return cached || stored
}

// Snapshot returns the cached context without creating one.
func (c *Cache) Snapshot(userID string) (memory.UserContext, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[userID]
	if !ok {
		return memory.UserContext{}, false
	}
	return e.Clone(), true
}

// Peek returns the context without creating one or refreshing its
// activity time. A stored row that is not cached is returned but not
// cached. ok is false when the user has no live context.
func (c *Cache) Peek(ctx context.Context, userID string) (memory.UserContext, bool) {
	now := c.now()
	if uc, ok := c.Snapshot(userID); ok {
		return uc, !c.expired(&uc, now)
	}
	uc, err := c.store.Load(ctx, userID)
	if err != nil {
		if !errors.Is(err, memory.ErrNotFound) {
			c.persistFailed("load", userID, err)
		}
		return memory.UserContext{}, false
	}
	if c.expired(&uc, now) {
		return memory.UserContext{}, false
	}
	return uc, true
}

// Stats reports cache occupancy. TotalContexts counts persisted rows when
// the store can count them and falls back to the cache size otherwise.
func (c *Cache) Stats(ctx context.Context) Stats {
	c.mu.RLock()
	st := Stats{
		CacheSize:   len(c.entries),
		LastSweepAt: c.lastSweep,
	}
	for _, e := range c.entries {
		updated := e.UpdatedAt
		if st.OldestUpdatedAt == nil || updated.Before(*st.OldestUpdatedAt) {
			st.OldestUpdatedAt = &updated
		}
		if st.NewestUpdatedAt == nil || updated.After(*st.NewestUpdatedAt) {
			st.NewestUpdatedAt = &updated
		}
	}
	c.mu.RUnlock()

	st.TotalContexts = st.CacheSize
	if counter, ok := c.store.(memory.Counter); ok {
		n, err := counter.Count(ctx)
		if err != nil {
			c.logger.Debug("context count failed", "error", err)
		} else if n > st.TotalContexts {
			st.TotalContexts = n
		}
	}
	return st
}

// MaybeSweep runs Sweep when the sweep interval has elapsed since the last
// one. It is checked on every cache access rather than driven by a timer.
func (c *Cache) MaybeSweep(ctx context.Context) int {
	now := c.now()
	c.mu.Lock()
	if c.sweeping || now.Sub(c.lastSweep) < c.sweepInterval {
		c.mu.Unlock()
		return 0
	}
	c.sweeping = true
	c.lastSweep = now
	c.mu.Unlock()

	removed := c.sweep(ctx, now)

	c.mu.Lock()
	c.sweeping = false
	c.mu.Unlock()
	return removed
}

// StartJanitor sweeps on a ticker until ctx is cancelled. It shares the
// interval guard with MaybeSweep so the two never double up.
func (c *Cache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.sweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.MaybeSweep(ctx)
			}
		}
	}()
}

func (c *Cache) sweep(ctx context.Context, now time.Time) int {
	c.mu.Lock()
	inMemory := 0
	for id, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, id)
			delete(c.detached, id)
			inMemory++
		}
	}
	if inMemory > 0 {
		c.notifySizeLocked()
	}
	c.mu.Unlock()

	persisted, err := c.store.SweepExpired(ctx, c.maxAge)
	if err != nil {
		c.persistFailed("sweep", "", err)
	}

	removed := max(inMemory, persisted)
	if removed > 0 {
		c.logger.Info("context sweep", "in_memory", inMemory, "persisted", persisted)
	}
	c.hookMu.RLock()
	hook := c.onSweep
	c.hookMu.RUnlock()
	if hook != nil {
		hook(removed)
	}
	return removed
}

func (c *Cache) mutate(ctx context.Context, userID string, apply func(uc *memory.UserContext)) memory.UserContext {
	c.GetOrCreate(ctx, userID)

	c.mu.Lock()
	e, ok := c.entries[userID]
	if !ok {
		// Swept between GetOrCreate and here; start over from an empty context.
		now := c.now()
		e = &memory.UserContext{UserID: userID, History: []memory.Turn{}, CreatedAt: now}
		c.entries[userID] = e
		c.notifySizeLocked()
	}
	apply(e)
	now := c.now()
	e.UpdatedAt = now
	e.LastActivity = now
	e.Version++
	snapshot := e.Clone()
	detached := c.detached[userID]
	c.mu.Unlock()

	if detached {
		return snapshot
	}
	if err := c.store.Save(ctx, snapshot); err != nil {
		c.persistFailed("save", userID, err)
	}
	return snapshot
}

func (c *Cache) expired(uc *memory.UserContext, now time.Time) bool {
	return now.Sub(uc.LastActivity) > c.maxAge
}

func (c *Cache) deleteFromStore(ctx context.Context, userID string) {
	if _, err := c.store.Delete(ctx, userID); err != nil {
		c.persistFailed("delete", userID, err)
	}
}

func (c *Cache) persistFailed(op, userID string, err error) {
	c.logger.Warn("context persistence failed", "op", op, "user_id", userID, "error", err)
	c.hookMu.RLock()
	hook := c.onPersistFailure
	c.hookMu.RUnlock()
	if hook != nil {
		hook(op)
	}
}

// notifySizeLocked must be called with c.mu held.
func (c *Cache) notifySizeLocked() {
	c.hookMu.RLock()
	hook := c.onContextsChanged
	c.hookMu.RUnlock()
	if hook != nil {
		hook(len(c.entries))
	}
}

// EstimateUsage recomputes the token usage figure from summary and history.
func EstimateUsage(uc memory.UserContext) int {
	return tokens.Text(uc.Summary) + tokens.Estimate(uc.History)
}
