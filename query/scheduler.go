package query

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler polls keys that have a RefetchInterval while they have at least
// one observer. A poller is armed when a key gains its first observer and is
// stopped when the last observer leaves.
type Scheduler struct {
	cache    *Cache
	executor *Executor
	logger   *slog.Logger

	mu      sync.Mutex
	pollers map[string]*poller
	stopped bool
}

type poller struct {
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewScheduler creates a scheduler and hooks it to cache observer changes.
func NewScheduler(cache *Cache, executor *Executor, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cache:    cache,
		executor: executor,
		logger:   cfg.Logger,
		pollers:  make(map[string]*poller),
	}
	cache.observersChanged = s.sync
	return s
}

// sync reconciles the poller for key with the entry's current state. It
// re-reads the cache instead of trusting the caller, so hooks delivered out
// of order still converge.
func (s *Scheduler) sync(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	id := s.cache.id(key)
	snap, ok := s.cache.Get(key)
	want := ok && snap.Observers > 0 && snap.RefetchInterval > 0

	current, running := s.pollers[id]
	switch {
	case want && running && current.interval == snap.RefetchInterval:
		return
	case want:
		if running {
			current.halt()
		}
		p := &poller{
			interval: snap.RefetchInterval,
			stop:     make(chan struct{}),
			done:     make(chan struct{}),
		}
		s.pollers[id] = p
		go s.poll(key.Clone(), p)
		s.logger.Debug("query polling armed", "key", key.String(), "interval", snap.RefetchInterval)
	case running:
		delete(s.pollers, id)
		current.halt()
		s.logger.Debug("query polling stopped", "key", key.String())
	}
}

func (s *Scheduler) poll(key Key, p *poller) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			s.executor.Refresh(context.Background(), key)
		}
	}
}

func (p *poller) halt() {
	close(p.stop)
}

// Active returns the number of armed pollers.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pollers)
}

// Stop halts every poller and waits for them to exit. The scheduler cannot be restarted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	pollers := s.pollers
	s.pollers = make(map[string]*poller)
	s.mu.Unlock()

	for _, p := range pollers {
		p.halt()
		<-p.done
	}
}
