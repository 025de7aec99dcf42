package engine

import "sync"

// laneSet serializes work per key while letting distinct keys run
// concurrently, capped at a fixed number of worker slots. Each key with
// queued work owns a short-lived goroutine that drains the key's queue in
// FIFO order and exits when empty. Two changes to the same document
// therefore never overlap, a slow document never blocks the rest of the
// datasource, and at most `workers` applies run at once no matter how many
// documents a reconciliation pass touches.
type laneSet struct {
	mu    sync.Mutex
	lanes map[string]*lane
	slots chan struct{}
	wg    sync.WaitGroup

	closed bool
}

type lane struct {
	queue []func()
}

func newLaneSet(workers int) *laneSet {
	if workers < 1 {
		workers = 1
	}

	return &laneSet{
		lanes: make(map[string]*lane),
		slots: make(chan struct{}, workers),
	}
}

// Submit enqueues fn on the key's lane, spawning the lane runner if the key
// was idle. Returns false after Close.
func (s *laneSet) Submit(key string, fn func()) bool {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return false
	}

	l, running := s.lanes[key]
	if running {
		l.queue = append(l.queue, fn)
		s.mu.Unlock()

		return true
	}

	l = &lane{queue: []func(){fn}}
	s.lanes[key] = l
	s.wg.Add(1)

	s.mu.Unlock()

	go s.run(key, l)

	return true
}

// run drains one lane and retires it. The worker slot is held for the whole
// drain so per-key ordering survives the cap.
func (s *laneSet) run(key string, l *lane) {
	defer s.wg.Done()

	s.slots <- struct{}{}
	defer func() { <-s.slots }()

	for {
		s.mu.Lock()

		if len(l.queue) == 0 {
			delete(s.lanes, key)
			s.mu.Unlock()

			return
		}

		fn := l.queue[0]
		l.queue = l.queue[1:]

		s.mu.Unlock()

		fn()
	}
}

// Close rejects further submissions and waits for all queued work to finish.
func (s *laneSet) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
}
