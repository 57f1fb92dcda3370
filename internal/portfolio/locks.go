package portfolio

import "sync"

// lockTable hands out one mutex per portfolio ID, giving single-writer
// command serialization per portfolio while distinct portfolios proceed
// concurrently. Entries are never evicted; the table is bounded by the
// number of portfolios this instance has touched.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// acquire locks the mutex for id and returns its unlock function.
func (t *lockTable) acquire(id string) func() {
	t.mu.Lock()
	if t.locks == nil {
		t.locks = make(map[string]*sync.Mutex)
	}
	l, ok := t.locks[id]
	if !ok {
		l = &sync.Mutex{}
		t.locks[id] = l
	}
	t.mu.Unlock()

	l.Lock()
	return l.Unlock
}
