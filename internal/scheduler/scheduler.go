// Package scheduler runs delayed callbacks on a single dispatch goroutine.
// Callbacks are grouped so a faster authoritative signal can cancel every
// pending step for a request at once.
package scheduler

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"
)

// Token identifies one scheduled callback. The zero Token is never issued.
type Token uint64

// Config holds scheduler options.
type Config struct {
	// Scale multiplies every delay. 1 is real time, 0 runs callbacks as soon
	// as the dispatcher reaches them, in scheduling order.
	Scale float64
	// Manual disables the dispatch goroutine; callbacks only run through
	// FireAll. Used by tests to step paced sequences deterministically.
	Manual bool
	Logger *slog.Logger
}

type entry struct {
	token Token
	group string
	due   time.Time
	seq   uint64
	fn    func()
	index int
}

type queue []*entry

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}
func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *queue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}
func (q *queue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

type Scheduler struct {
	logger *slog.Logger
	scale  float64
	manual bool

	mu      sync.Mutex
	q       queue
	byToken map[Token]*entry
	seq     uint64
	clock   time.Time // virtual clock in manual mode
	stopped bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	scale := cfg.Scale
	if scale < 0 {
		scale = 1
	}
	s := &Scheduler{
		logger:  logger,
		scale:   scale,
		manual:  cfg.Manual,
		byToken: make(map[Token]*entry),
		clock:   time.Unix(0, 0).UTC(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if !s.manual {
		s.wg.Add(1)
		go s.loop()
	}
	return s
}

func (s *Scheduler) now() time.Time {
	if s.manual {
		return s.clock
	}
	return time.Now()
}

// After schedules fn to run after d (scaled). Returns 0 when the scheduler
// has been stopped.
func (s *Scheduler) After(group string, d time.Duration, fn func()) Token {
	if d < 0 {
		d = 0
	}
	if !s.manual {
		d = time.Duration(float64(d) * s.scale)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0
	}
	s.seq++
	e := &entry{
		token: Token(s.seq),
		group: group,
		due:   s.now().Add(d),
		seq:   s.seq,
		fn:    fn,
	}
	heap.Push(&s.q, e)
	s.byToken[e.token] = e
	s.mu.Unlock()

	s.signal()
	return e.token
}

// Cancel drops a pending callback. It reports whether anything was removed.
func (s *Scheduler) Cancel(tok Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byToken[tok]
	if !ok {
		return false
	}
	s.remove(e)
	return true
}

// CancelGroup drops every pending callback in group and returns the count.
func (s *Scheduler) CancelGroup(group string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var victims []*entry
	for _, e := range s.byToken {
		if e.group == group {
			victims = append(victims, e)
		}
	}
	for _, e := range victims {
		s.remove(e)
	}
	return len(victims)
}

func (s *Scheduler) remove(e *entry) {
	if e.index >= 0 {
		heap.Remove(&s.q, e.index)
	}
	delete(s.byToken, e.token)
}

// Pending returns the number of callbacks waiting to run.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byToken)
}

// PendingGroup returns the number of callbacks waiting in group.
func (s *Scheduler) PendingGroup(group string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.byToken {
		if e.group == group {
			n++
		}
	}
	return n
}

// FireAll runs every pending callback in due order on the calling goroutine,
// including callbacks scheduled by the ones it runs. Returns how many ran.
func (s *Scheduler) FireAll() int {
	ran := 0
	for ran < 100000 {
		s.mu.Lock()
		if len(s.q) == 0 {
			s.mu.Unlock()
			return ran
		}
		e := heap.Pop(&s.q).(*entry)
		delete(s.byToken, e.token)
		if s.manual && e.due.After(s.clock) {
			s.clock = e.due
		}
		s.mu.Unlock()

		s.run(e)
		ran++
	}
	s.logger.Warn("scheduler: FireAll stopped after runaway reschedule", "ran", ran)
	return ran
}

// Stop cancels all pending callbacks and waits for the dispatcher to exit.
// A callback already running finishes first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	dropped := len(s.byToken)
	s.q = nil
	s.byToken = make(map[Token]*entry)
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	if dropped > 0 {
		s.logger.Info("scheduler stopped", "cancelled", dropped)
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		s.mu.Lock()
		var next *entry
		var wait time.Duration = -1
		if len(s.q) > 0 {
			head := s.q[0]
			if d := time.Until(head.due); d <= 0 {
				next = heap.Pop(&s.q).(*entry)
				delete(s.byToken, next.token)
			} else {
				wait = d
			}
		}
		s.mu.Unlock()

		if next != nil {
			s.run(next)
			continue
		}

		if wait >= 0 {
			timer.Reset(wait)
		}
		select {
		case <-s.done:
			return
		case <-s.wake:
			if wait >= 0 && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}
	}
}

func (s *Scheduler) run(e *entry) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler: callback panicked", "group", e.group, "panic", r)
		}
	}()
	e.fn()
}
