package logic

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// workerPool is a bounded pool with caller-runs overflow: when the queue is
// full the submitting goroutine executes the task itself, which throttles
// the event consumer instead of dropping work.
type workerPool struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
	log   logrus.FieldLogger
}

func newWorkerPool(workers, queueSize int, log logrus.FieldLogger) *workerPool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	p := &workerPool{tasks: make(chan func(), queueSize), log: log}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *workerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("reconciliation task panicked: %v", r)
		}
	}()
	task()
}

func (p *workerPool) Submit(task func()) {
	select {
	case p.tasks <- task:
	default:
		p.run(task)
	}
}

// Shutdown stops accepting work and waits for in-flight tasks to finish.
func (p *workerPool) Shutdown() {
	p.once.Do(func() { close(p.tasks) })
	p.wg.Wait()
}
