package offcache

import "sync"

// background tracks work that must finish even though the request that
// started it has already been answered. Wait blocks until all of it is done.
type background struct {
	wg    sync.WaitGroup
	slots chan struct{}
}

func newBackground(concurrency int) *background {
	if concurrency < 1 {
		concurrency = 1
	}
	return &background{slots: make(chan struct{}, concurrency)}
}

// Go runs fn on its own goroutine and registers it until it returns.
func (b *background) Go(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// withSlot runs fn once one of the bounded network slots is free. Callers
// queue; nothing is dropped.
func (b *background) withSlot(fn func()) {
	b.slots <- struct{}{}
	defer func() { <-b.slots }()
	fn()
}

func (b *background) Wait() {
	b.wg.Wait()
}
