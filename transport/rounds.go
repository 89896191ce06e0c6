package transport

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"anyrpc/client"
)

// DefaultRoundsSize bounds the calls a Rounds table tracks at once.
const DefaultRoundsSize = 1 << 14

var ErrTooManyCalls = errors.New("rpc: too many calls in flight")

type round struct {
	expected int
	received int
}

// Rounds counts the responses of calls that may be answered by several
// servers, so the response completing a call can be ingested as the last one.
//
// The table is bounded. Tracking a call on a full table evicts the least
// recently answered round and cancels its call with ErrTooManyCalls; rounds
// of calls that already timed out are the usual victims and cancelling them
// is a no-op.
type Rounds struct {
	engine *client.Client
	size   int

	mu    sync.Mutex
	cache *lru.Cache
}

func NewRounds(engine *client.Client, size int) *Rounds {
	if size <= 0 {
		size = DefaultRoundsSize
	}
	cache, err := lru.New(size)
	if err != nil {
		panic(err) // only for size <= 0
	}
	return &Rounds{engine: engine, size: size, cache: cache}
}

// Track starts a round of call id expecting the given number of responses.
func (r *Rounds) Track(id uint32, expected int) {
	r.mu.Lock()
	var evicted []uint32
	for r.cache.Len() >= r.size {
		key, _, ok := r.cache.RemoveOldest()
		if !ok {
			break
		}
		evicted = append(evicted, key.(uint32))
	}
	r.cache.Add(id, &round{expected: expected})
	r.mu.Unlock()

	CancelAll(r.engine, evicted, ErrTooManyCalls)
}

// Ingest hands one response of call id to the engine, marking it last when it
// completes the round. Counting and ingesting happen under one lock so the
// response counted last is also the one the engine sees last; otherwise a
// part arriving on another connection could be dropped after the round
// resolved.
func (r *Rounds) Ingest(id uint32, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.engine.IngestPart(body, r.arrive(id))
}

// arrive records one response of call id and reports whether it is the last.
// Responses of unknown calls count as last. The caller holds r.mu.
func (r *Rounds) arrive(id uint32) bool {
	v, ok := r.cache.Get(id)
	if !ok {
		return true
	}
	rd := v.(*round)
	rd.received++
	if rd.received < rd.expected {
		return false
	}
	r.cache.Remove(id)
	return true
}

func (r *Rounds) Forget(ids ...uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		r.cache.Remove(id)
	}
}

// Drain forgets every round and returns their call IDs, oldest first.
func (r *Rounds) Drain() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := r.cache.Keys()
	r.cache.Purge()

	ids := make([]uint32, len(keys))
	for i, key := range keys {
		ids[i] = key.(uint32)
	}
	return ids
}

func (r *Rounds) Len() int {
	return r.cache.Len()
}
