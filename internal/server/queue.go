package server

import (
	"sync"

	"github.com/Fechomap/telnyx-sip-server/internal/provider"
)

// serialQueue runs notifications one at a time per key, in push order.
// Different keys run concurrently. A panic in run is handed to onPanic and
// the key's remaining notifications still run.
type serialQueue struct {
	mu      sync.Mutex
	pending map[string][]provider.Notification
	run     func(provider.Notification)
	onPanic func(provider.Notification, any)
	wg      sync.WaitGroup
}

func newSerialQueue(run func(provider.Notification), onPanic func(provider.Notification, any)) *serialQueue {
	return &serialQueue{
		pending: make(map[string][]provider.Notification),
		run:     run,
		onPanic: onPanic,
	}
}

func (q *serialQueue) push(key string, n provider.Notification) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list, busy := q.pending[key]
	q.pending[key] = append(list, n)
	if !busy {
		q.wg.Add(1)
		go q.drain(key)
	}
}

func (q *serialQueue) drain(key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		list := q.pending[key]
		if len(list) == 0 {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		n := list[0]
		q.pending[key] = list[1:]
		q.mu.Unlock()

		q.runOne(n)
	}
}

func (q *serialQueue) runOne(n provider.Notification) {
	defer func() {
		if r := recover(); r != nil && q.onPanic != nil {
			q.onPanic(n, r)
		}
	}()
	q.run(n)
}

// wait blocks until every pushed notification has run.
func (q *serialQueue) wait() {
	q.wg.Wait()
}
