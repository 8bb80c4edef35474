package batcher

import (
	"sync"
	"time"
)

// Batcher groups items and flushes them together, whichever comes first: the
// group reaches maxSize, or maxWait has passed since the first item of the
// group arrived. Flush runs on the batcher's own goroutine, one call at a
// time.
type Batcher[T any] struct {
	maxSize int
	maxWait time.Duration
	flush   func([]T)

	in   chan T
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func New[T any](maxSize int, maxWait time.Duration, flush func([]T)) *Batcher[T] {
	if maxSize <= 0 {
		maxSize = 1
	}

	b := &Batcher[T]{
		maxSize: maxSize,
		maxWait: maxWait,
		flush:   flush,
		in:      make(chan T, maxSize*4),
		stop:    make(chan struct{}),
	}

	b.wg.Add(1)
	go b.run()

	return b
}

// Add hands an item to the batcher. After Stop it becomes a no-op, callers
// are expected to stop producing first.
func (b *Batcher[T]) Add(item T) {
	select {
	case b.in <- item:
	case <-b.stop:
	}
}

// Stop drains queued items, flushes the remainder and waits for the loop to
// exit. Safe to call more than once.
func (b *Batcher[T]) Stop() {
	b.once.Do(func() { close(b.stop) })
	b.wg.Wait()
}

func (b *Batcher[T]) run() {
	defer b.wg.Done()

	var (
		batch []T
		timer *time.Timer
		fire  <-chan time.Time
	)

	reset := func() {
		batch = nil
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		fire = nil
	}

	for {
		select {
		case item := <-b.in:
			batch = append(batch, item)
			if len(batch) == 1 {
				timer = time.NewTimer(b.maxWait)
				fire = timer.C
			}
			if len(batch) >= b.maxSize {
				b.flush(batch)
				reset()
			}

		case <-fire:
			if len(batch) > 0 {
				b.flush(batch)
			}
			reset()

		case <-b.stop:
			for {
				select {
				case item := <-b.in:
					batch = append(batch, item)
					if len(batch) >= b.maxSize {
						b.flush(batch)
						batch = nil
					}
				default:
					if len(batch) > 0 {
						b.flush(batch)
					}
					reset()
					return
				}
			}
		}
	}
}
