package cache

import "sync"

// RebuildPool runs cache rebuild tasks on a fixed set of workers. It is
// an owned resource with an explicit lifecycle so tests can construct and
// tear down isolated instances.
type RebuildPool struct {
	tasks   chan func()
	workers int
	wg      sync.WaitGroup
}

func NewRebuildPool(workers, queueDepth int) *RebuildPool {
	return &RebuildPool{
		tasks:   make(chan func(), queueDepth),
		workers: workers,
	}
}

func (p *RebuildPool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
}

// Submit hands off a task without blocking. Returns false when the queue
// is saturated; the caller decides what to do with the dropped rebuild.
func (p *RebuildPool) Submit(task func()) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// Stop drains queued tasks and waits for the workers to finish.
func (p *RebuildPool) Stop() {
	close(p.tasks)
	p.wg.Wait()
}
