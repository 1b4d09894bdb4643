package streamhub

import (
	"sync"
)

type linkMap struct {
	mu   sync.RWMutex
	next byte
	m    map[byte]*Link
}

func newLinkMap() *linkMap {
	return &linkMap{
		m: make(map[byte]*Link),
	}
}

// add assigns the link a wire id, reusing freed ids once the counter
// wraps. Id 0 is never issued.
func (lm *linkMap) add(l *Link) (byte, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if len(lm.m) >= 255 {
		return 0, ErrTooManyLinks
	}

	id := lm.next
	for {
		id++
		if id == 0 {
			continue
		}
		if _, used := lm.m[id]; !used {
			break
		}
	}

	lm.next = id
	l.id = id
	lm.m[id] = l
	return id, nil
}

func (lm *linkMap) get(id byte) (*Link, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	l, ok := lm.m[id]
	return l, ok
}

func (lm *linkMap) delete(id byte) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	delete(lm.m, id)
}

func (lm *linkMap) all() []*Link {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	links := make([]*Link, 0, len(lm.m))
	for _, l := range lm.m {
		links = append(links, l)
	}
	return links
}
