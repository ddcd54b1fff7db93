// Package workerpool decouples request handling from the I/O reactor: the
// TCP server submits a task that runs the request handler over one
// connection's extracted requests, and a fixed set of goroutines drains them.
package workerpool

import (
	"sync"

	"deviceserver/internal/logging"
	"deviceserver/internal/queue"
)

// Task is a unit of work submitted to the pool. A nil Task is the internal
// shutdown sentinel and is never passed to Submit by callers.
type Task func()

// Pool runs a fixed number of worker goroutines pulling from a shared
// blocking queue.
type Pool struct {
	log *logging.Logger

	tasks *queue.Blocking[Task]
	wg    sync.WaitGroup

	mu      sync.Mutex
	running bool

	waitMu sync.Mutex
	active int
	idleCh chan struct{}
}

// New constructs an unstarted pool.
func New(log *logging.Logger) *Pool {
	return &Pool{
		log:    log,
		tasks:  queue.New[Task](),
		idleCh: make(chan struct{}),
	}
}

// Start launches count worker goroutines. Calling Start twice is a no-op.
func (p *Pool) Start(count int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	for i := 0; i < count; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
}

// Stop pushes a single shutdown sentinel, which each worker re-pushes before
// exiting so that every worker observes it, and waits for all of them to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.tasks.Push(nil)
	p.wg.Wait()
}

// Submit enqueues task for execution. It is a no-op once the pool has been
// stopped.
func (p *Pool) Submit(task Task) {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return
	}
	p.tasks.Push(task)
}

// WaitIdle blocks until the task queue is empty and no worker is currently
// executing a task. A subsequent Submit can make the pool busy again; this
// only observes a single idle instant.
func (p *Pool) WaitIdle() {
	for {
		p.waitMu.Lock()
		idle := p.tasks.Empty() && p.active == 0
		ch := p.idleCh
		p.waitMu.Unlock()
		if idle {
			return
		}
		<-ch
	}
}

func (p *Pool) workerLoop(index int) {
	defer p.wg.Done()
	for {
		task := p.tasks.Take()
		if task == nil {
			// Re-push so every sibling worker also observes one shutdown
			// sentinel before exiting.
			p.tasks.Push(nil)
			return
		}

		p.waitMu.Lock()
		p.active++
		p.waitMu.Unlock()

		p.runTask(index, task)

		p.waitMu.Lock()
		p.active--
		idle := p.tasks.Empty() && p.active == 0
		old := p.idleCh
		if idle {
			p.idleCh = make(chan struct{})
		}
		p.waitMu.Unlock()
		if idle {
			close(old)
		}
	}
}

func (p *Pool) runTask(index int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("workerpool: worker #%d task panicked: %v", index, r)
		}
	}()
	p.log.Debug("workerpool: worker #%d executing task", index)
	task()
}
