package page

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/aweris/pagestore/internal/commit"
)

type event struct {
	commits []*commit.Commit
	source  Source
}

// dispatcher delivers commit events to watchers from a single goroutine,
// in the order they were queued.
type dispatcher struct {
	log *logrus.Entry

	mu       sync.Mutex
	queue    []event
	watchers map[int]Watcher
	next     int
	closed   bool

	wake chan struct{}
	done chan struct{}
}

func newDispatcher(log *logrus.Entry) *dispatcher {
	d := &dispatcher{
		log:      log,
		watchers: make(map[int]Watcher),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) add(w Watcher) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.next
	d.next++
	d.watchers[id] = w

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.watchers, id)
			d.mu.Unlock()
		})
	}
}

func (d *dispatcher) enqueue(commits []*commit.Commit, source Source) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, event{commits: commits, source: source})
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}
			<-d.wake
			continue
		}
		ev := d.queue[0]
		d.queue = d.queue[1:]
		ids := make([]int, 0, len(d.watchers))
		for id := range d.watchers {
			ids = append(ids, id)
		}
		watchers := make([]Watcher, 0, len(ids))
		sort.Ints(ids)
		for _, id := range ids {
			watchers = append(watchers, d.watchers[id])
		}
		d.mu.Unlock()

		for _, w := range watchers {
			d.deliver(w, ev)
		}
	}
}

func (d *dispatcher) deliver(w Watcher, ev event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("panic", r).Error("commit watcher panicked")
		}
	}()
	w(ev.commits, ev.source)
}

// close delivers what is already queued, then stops. It must not be
// called from a watcher.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}
