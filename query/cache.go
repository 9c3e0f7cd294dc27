package query

import (
	"log/slog"
	"sync"
	"time"
)

// Cache is the in-memory store of server-derived state keyed by canonical
// query keys. It is the only owner of entry state: every read returns a copy
// and every write goes through one of its methods, all of which are applied
// atomically under a single lock. Listeners run after the lock is released,
// on the goroutine that made the change.
type Cache struct {
	mu           sync.RWMutex
	entries      map[string]*entry
	serializer   KeySerializer
	clock        Clock
	gcTime       time.Duration
	logger       *slog.Logger
	nextListener uint64

	// hooks wired by Client; both run outside the lock
	observersChanged func(key Key)
	superseded       func(id string)
}

type entry struct {
	id          string
	key         Key
	segments    []string
	value       Value
	status      Status
	err         error
	updatedAt   time.Time
	opts        Options
	fetcher     Fetcher
	observers   int
	invalidated bool
	provisional bool
	version     uint64

	// generation is bumped whenever an in-flight fetch is superseded; a fetch
	// only applies its result if the generation it started under is current.
	generation uint64
	fetchSeq   uint64
	fetching   bool
	prevStatus Status

	// markedSeq is the fetchSeq that was in flight when the entry was last
	// marked stale without being superseded.
	markedSeq uint64

	listeners map[uint64]Listener
	gcTimer   *time.Timer
}

// fetchToken identifies one fetch cycle for an entry.
type fetchToken struct {
	seq        uint64
	generation uint64
}

type change struct {
	snap      Entry
	listeners []Listener
}

// NewCache creates an empty cache.
func NewCache(cfg Config) *Cache {
	cfg = cfg.withDefaults()
	return &Cache{
		entries:    make(map[string]*entry),
		serializer: cfg.KeySerializer,
		clock:      cfg.Clock,
		gcTime:     cfg.GCTime,
		logger:     cfg.Logger,
	}
}

func (e *entry) snapshot() Entry {
	return Entry{
		Key:             e.key.Clone(),
		Data:            e.value.Data,
		HasData:         e.value.Present,
		Status:          e.status,
		Err:             e.err,
		UpdatedAt:       e.updatedAt,
		StaleTime:       e.opts.StaleTime,
		RefetchInterval: e.opts.RefetchInterval,
		Observers:       e.observers,
		Invalidated:     e.invalidated,
		Provisional:     e.provisional,
		Version:         e.version,
	}
}

// commit bumps the version and captures what must be delivered once the lock is released.
func (e *entry) commit() change {
	e.version++
	ch := change{snap: e.snapshot()}
	if len(e.listeners) > 0 {
		ch.listeners = make([]Listener, 0, len(e.listeners))
		for _, l := range e.listeners {
			ch.listeners = append(ch.listeners, l)
		}
	}
	return ch
}

func (c *Cache) notify(changes ...change) {
	for _, ch := range changes {
		for _, l := range ch.listeners {
			l(ch.snap)
		}
	}
}

func (c *Cache) segments(key Key) []string {
	return serializeSegments(c.serializer, key)
}

// Segments returns the canonical serialized segments of key as used by this cache.
func (c *Cache) Segments(key Key) []string {
	return c.segments(key)
}

// Equal reports whether a and b address the same entry in this cache.
func (c *Cache) Equal(a, b Key) bool {
	return len(a) == len(b) && hasSegmentPrefix(c.segments(a), c.segments(b))
}

// Match reports whether key equals or starts with prefix, the rule MarkStale
// applies, using this cache's serializer.
func (c *Cache) Match(key, prefix Key) bool {
	return hasSegmentPrefix(c.segments(key), c.segments(prefix))
}

func (c *Cache) id(key Key) string {
	return joinSegments(c.segments(key))
}

// lookup returns the entry for key, creating it when create is set. The
// boolean reports whether the entry already existed. Callers hold c.mu.
func (c *Cache) lookup(key Key, create bool) (*entry, bool) {
	segs := c.segments(key)
	id := joinSegments(segs)
	if e, ok := c.entries[id]; ok {
		return e, true
	}
	if !create {
		return nil, false
	}
	e := &entry{
		id:        id,
		key:       key.Clone(),
		segments:  segs,
		listeners: make(map[uint64]Listener),
	}
	c.entries[id] = e
	return e, false
}

// Get returns a snapshot of the entry for key. It has no side effects.
func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.lookup(key, false)
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// IsStale reports whether key needs a refetch. Missing keys are stale.
func (c *Cache) IsStale(key Key) bool {
	snap, ok := c.Get(key)
	if !ok {
		return true
	}
	return snap.IsStale(c.clock.Now())
}

// Ensure returns the entry for key, creating it with opts and fetcher if it
// does not exist. It is idempotent: an existing entry keeps its configuration,
// except that an entry created by a mutation (no fetcher yet) adopts the
// query's options and fetcher the first time a query registers it.
func (c *Cache) Ensure(key Key, opts Options, fetcher Fetcher) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, existed := c.lookup(key, true)
	switch {
	case !existed:
		e.opts = opts
		e.fetcher = fetcher
	case e.fetcher == nil && fetcher != nil:
		e.fetcher = fetcher
		e.opts = opts
	}
	return e.snapshot()
}

// Set stores confirmed server data: status becomes success, the freshness
// clock restarts and any error or invalidation flag is cleared.
func (c *Cache) Set(key Key, data any) Entry {
	c.mu.Lock()
	e, _ := c.lookup(key, true)
	e.value = Some(data)
	e.status = StatusSuccess
	e.err = nil
	e.updatedAt = c.clock.Now()
	e.invalidated = false
	e.provisional = false
	ch := e.commit()
	c.mu.Unlock()

	c.notify(ch)
	return ch.snap
}

// swapConfirmed is Set with the data computed from the current value under
// the same lock. Nothing is written when fn reports false or returns an
// absent value.
func (c *Cache) swapConfirmed(key Key, fn func(current Value) (Value, bool)) bool {
	c.mu.Lock()
	e, _ := c.lookup(key, true)
	next, ok := fn(e.value)
	if !ok || !next.Present {
		c.mu.Unlock()
		return false
	}
	e.value = next
	e.status = StatusSuccess
	e.err = nil
	e.updatedAt = c.clock.Now()
	e.invalidated = false
	e.provisional = false
	ch := e.commit()
	c.mu.Unlock()

	c.notify(ch)
	return true
}

// SetOptimistic writes a provisional value and returns the value that was
// present immediately before. Status and freshness are left alone. A fetch
// in flight for the key is superseded and its result will be discarded.
func (c *Cache) SetOptimistic(key Key, v Value) Value {
	return c.swapOptimistic(key, func(Value) Value { return v }, true)
}

// swapOptimistic computes the next value from the current one while holding
// the lock, so the returned snapshot and the write are atomic. Rollbacks pass
// provisional=false since they restore a previously known value.
func (c *Cache) swapOptimistic(key Key, fn func(current Value) Value, provisional bool) Value {
	c.mu.Lock()
	e, _ := c.lookup(key, true)
	prev := e.value
	next := fn(prev)

	e.value = next
	e.provisional = provisional
	if !next.Present && e.status == StatusSuccess {
		e.status = StatusIdle
		e.invalidated = true
	}

	supersededID := ""
	if e.fetching {
		e.generation++
		e.fetching = false
		e.status = e.restoreStatus()
		e.invalidated = true
		supersededID = e.id
	}
	ch := e.commit()
	c.mu.Unlock()

	if supersededID != "" && c.superseded != nil {
		c.superseded(supersededID)
	}
	c.notify(ch)
	return prev
}

// restoreStatus is the status an entry falls back to when its fetch is abandoned.
func (e *entry) restoreStatus() Status {
	switch e.prevStatus {
	case StatusSuccess:
		if !e.value.Present {
			return StatusIdle
		}
		return StatusSuccess
	case StatusError:
		if e.err == nil {
			return StatusIdle
		}
		return StatusError
	default:
		return StatusIdle
	}
}

// MarkStale flags every entry whose key equals or starts with prefix, so the
// next staleness check returns true regardless of timing. A fetch in flight
// for an observed match is superseded, since it may have started before the
// change that caused the invalidation; the caller is expected to refetch.
// A fetch in flight for an unobserved match still applies its data when it
// completes, but the entry stays invalidated and later fetches do not join it.
// It returns the snapshots of the matched entries.
func (c *Cache) MarkStale(prefix Key) []Entry {
	return c.markStaleSegments(c.segments(prefix))
}

func (c *Cache) markStaleSegments(prefix []string) []Entry {
	c.mu.Lock()
	var (
		changes    []change
		superseded []string
	)
	for _, e := range c.entries {
		if !hasSegmentPrefix(e.segments, prefix) {
			continue
		}
		e.invalidated = true
		switch {
		case e.fetching && e.observers > 0:
			e.generation++
			e.fetching = false
			e.status = e.restoreStatus()
			superseded = append(superseded, e.id)
		case e.fetching:
			e.markedSeq = e.fetchSeq
			superseded = append(superseded, e.id)
		}
		changes = append(changes, e.commit())
	}
	c.mu.Unlock()

	if c.superseded != nil {
		for _, id := range superseded {
			c.superseded(id)
		}
	}
	c.notify(changes...)

	matched := make([]Entry, len(changes))
	for i, ch := range changes {
		matched[i] = ch.snap
	}
	return matched
}

// Subscribe registers listener for changes to key and increments its observer
// count. The returned function unsubscribes; calling it more than once is a no-op.
func (c *Cache) Subscribe(key Key, listener Listener) (unsubscribe func()) {
	c.mu.Lock()
	e, _ := c.lookup(key, true)
	c.nextListener++
	lid := c.nextListener
	e.listeners[lid] = listener
	e.observers++
	if e.gcTimer != nil {
		e.gcTimer.Stop()
		e.gcTimer = nil
	}
	c.mu.Unlock()

	c.fireObservers(key)

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(e, lid) })
	}
}

func (c *Cache) unsubscribe(e *entry, lid uint64) {
	c.mu.Lock()
	if _, ok := e.listeners[lid]; !ok {
		c.mu.Unlock()
		return
	}
	delete(e.listeners, lid)
	e.observers--
	if e.observers == 0 && c.gcTime > 0 && c.entries[e.id] == e {
		e.gcTimer = time.AfterFunc(c.gcTime, func() { c.collect(e) })
	}
	key := e.key
	c.mu.Unlock()

	c.fireObservers(key)
}

func (c *Cache) fireObservers(key Key) {
	if c.observersChanged != nil {
		c.observersChanged(key)
	}
}

// collect evicts e if it is still unobserved once its retention window elapsed.
func (c *Cache) collect(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[e.id] != e || e.observers > 0 {
		return
	}
	delete(c.entries, e.id)
	c.logger.Debug("query entry collected", "key", e.key.String())
}

// Remove evicts the entry for key. Remaining listeners receive a final idle
// snapshot and are detached. It reports whether an entry existed.
func (c *Cache) Remove(key Key) bool {
	c.mu.Lock()
	e, ok := c.lookup(key, false)
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.entries, e.id)
	if e.gcTimer != nil {
		e.gcTimer.Stop()
		e.gcTimer = nil
	}
	fetching := e.fetching

	e.value = None
	e.status = StatusIdle
	e.err = nil
	e.fetching = false
	e.observers = 0
	ch := e.commit()
	e.listeners = make(map[uint64]Listener)
	c.mu.Unlock()

	if fetching && c.superseded != nil {
		c.superseded(e.id)
	}
	c.notify(ch)
	c.fireObservers(key)
	return true
}

// Keys returns the keys of all entries, in no particular order.
func (c *Cache) Keys() []Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]Key, 0, len(c.entries))
	for _, e := range c.entries {
		keys = append(keys, e.key.Clone())
	}
	return keys
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// fetchSpec returns what the executor needs to fetch key.
func (c *Cache) fetchSpec(key Key) (fetcher Fetcher, opts Options, observers int, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, found := c.lookup(key, false)
	if !found || e.fetcher == nil {
		return nil, Options{}, 0, false
	}
	return e.fetcher, e.opts, e.observers, true
}

// beginFetch moves the entry to loading, keeping its data for
// stale-while-revalidate display.
func (c *Cache) beginFetch(key Key) (fetchToken, bool) {
	c.mu.Lock()
	e, ok := c.lookup(key, false)
	if !ok {
		c.mu.Unlock()
		return fetchToken{}, false
	}
	e.fetchSeq++
	e.fetching = true
	e.prevStatus = e.status
	e.status = StatusLoading
	token := fetchToken{seq: e.fetchSeq, generation: e.generation}
	ch := e.commit()
	c.mu.Unlock()

	c.notify(ch)
	return token, true
}

// finishFetch applies a fetch result unless the fetch was superseded or the
// entry removed meanwhile. Failures keep previously displayed data.
func (c *Cache) finishFetch(key Key, token fetchToken, data any, err error) bool {
	c.mu.Lock()
	e, ok := c.lookup(key, false)
	if !ok || e.generation != token.generation || e.fetchSeq != token.seq || !e.fetching {
		c.mu.Unlock()
		return false
	}
	e.fetching = false
	if err != nil {
		e.status = StatusError
		e.err = err
	} else {
		e.value = Some(data)
		e.status = StatusSuccess
		e.err = nil
		e.updatedAt = c.clock.Now()
		// marked while this fetch was in flight: the data may predate the change
		e.invalidated = e.markedSeq == token.seq
		e.provisional = false
	}
	ch := e.commit()
	c.mu.Unlock()

	c.notify(ch)
	return true
}
