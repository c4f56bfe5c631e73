package chat

import "sync"

// lanes run work in arrival order per key, with one goroutine per key.
type lanes struct {
	size int

	mu    sync.Mutex
	queue map[string]chan func()
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func newLanes(size int) *lanes {
	return &lanes{size: size, queue: make(map[string]chan func()), done: make(chan struct{})}
}

// run queues fn on the lane of key. It blocks while the lane is full and
// drops fn once the lanes are stopped.
func (l *lanes) run(key string, fn func()) {
	l.mu.Lock()
	select {
	case <-l.done:
		l.mu.Unlock()
		return
	default:
	}
	q, ok := l.queue[key]
	if !ok {
		q = make(chan func(), l.size)
		l.queue[key] = q
		l.wg.Add(1)
		go l.work(q)
	}
	l.mu.Unlock()

	select {
	case q <- fn:
	case <-l.done:
	}
}

func (l *lanes) work(q chan func()) {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case fn := <-q:
			fn()
		}
	}
}

// stop ends every lane. Queued work that has not started is dropped.
func (l *lanes) stop() {
	l.once.Do(func() { close(l.done) })
	l.wg.Wait()
}
