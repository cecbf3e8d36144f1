package idle

import "sync"

// workQueue runs side effects one at a time, in the order they were posted.
// Posting never blocks, so it is safe with the controller lock held.
type workQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   chan struct{}
}

func newWorkQueue() *workQueue {
	q := &workQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *workQueue) post(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.cond.Signal()
	return true
}

func (q *workQueue) run() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		fn()
	}
}

// flush waits until everything posted so far has run. It must not be called
// from a task.
func (q *workQueue) flush() {
	ch := make(chan struct{})
	if !q.post(func() { close(ch) }) {
		return
	}
	<-ch
}

// close runs the remaining tasks and stops the queue.
func (q *workQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}
