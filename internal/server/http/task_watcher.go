package httpserver

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// taskWatcher shares one LISTEN connection between all open task streams and
// fans notifications out by task ID. The listener runs while at least one
// stream is subscribed; a listener that fails is restarted by the next
// subscription and streams fall back to polling in between.
type taskWatcher struct {
	notifier Notifier
	logger   zerolog.Logger

	mu     sync.Mutex
	subs   map[uuid.UUID]map[chan struct{}]struct{}
	count  int
	cancel context.CancelFunc
	gen    uint64
	closed bool
}

func newTaskWatcher(notifier Notifier, logger zerolog.Logger) *taskWatcher {
	return &taskWatcher{
		notifier: notifier,
		logger:   logger,
		subs:     make(map[uuid.UUID]map[chan struct{}]struct{}),
	}
}

// subscribe returns a channel that receives a coalesced wakeup whenever
// taskID is notified, and the function that releases it.
func (w *taskWatcher) subscribe(taskID uuid.UUID) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	w.mu.Lock()
	set, ok := w.subs[taskID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		w.subs[taskID] = set
	}
	set[ch] = struct{}{}
	w.count++
	if w.cancel == nil && !w.closed {
		w.startLocked()
	}
	w.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { w.unsubscribe(taskID, ch) })
	}
}

func (w *taskWatcher) unsubscribe(taskID uuid.UUID, ch chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()

	set := w.subs[taskID]
	delete(set, ch)
	if len(set) == 0 {
		delete(w.subs, taskID)
	}
	w.count--
	if w.count == 0 && w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}

func (w *taskWatcher) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.gen++
	gen := w.gen

	go func() {
		defer cancel()
		if err := w.notifier.Listen(ctx, taskUpdatesChannel, w.dispatch); err != nil {
			w.logger.Warn().Err(err).Msg("task notifications unavailable, streams poll only")
		}
		w.mu.Lock()
		if w.gen == gen {
			w.cancel = nil
		}
		w.mu.Unlock()
	}()
}

// dispatch wakes every subscriber of the notified task.
func (w *taskWatcher) dispatch(payload string) {
	taskID, err := uuid.Parse(payload)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for ch := range w.subs[taskID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// close stops the listener. Later subscriptions never start a new one.
func (w *taskWatcher) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}
