package order

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// maxParkedPerOrder bounds the pushes held for one unbound venue id.
const maxParkedPerOrder = 64

// store indexes entries by client id and venue id across independently
// locked shards. Each entry carries its own mutex for record updates.
type store struct {
	shards    []*shard
	maxParked int // unbound venue ids per shard
}

type shard struct {
	mu       sync.RWMutex
	byClient map[string]*entry
	byVenue  map[string]*entry
	parked   map[string]*parkedChanges
}

type parkedChanges struct {
	changes []change
	first   time.Time
}

func newStore(shards, maxPending int) *store {
	if shards < 1 {
		shards = 1
	}
	perShard := maxPending / shards
	if perShard < 1 {
		perShard = 1
	}

	s := &store{shards: make([]*shard, shards), maxParked: perShard}
	for i := range s.shards {
		s.shards[i] = &shard{
			byClient: make(map[string]*entry),
			byVenue:  make(map[string]*entry),
			parked:   make(map[string]*parkedChanges),
		}
	}
	return s
}

func (s *store) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

// put adds a new entry by client id.
func (s *store) put(e *entry) {
	sh := s.shardFor(e.rec.ClientID)
	sh.mu.Lock()
	sh.byClient[e.rec.ClientID] = e
	sh.mu.Unlock()
}

func (s *store) get(clientID string) (*entry, bool) {
	sh := s.shardFor(clientID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.byClient[clientID]
	return e, ok
}

func (s *store) getByVenue(venueID string) (*entry, bool) {
	sh := s.shardFor(venueID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.byVenue[venueID]
	return e, ok
}

// bind indexes e under venueID and returns any changes parked for it.
func (s *store) bind(venueID string, e *entry) []change {
	sh := s.shardFor(venueID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.byVenue[venueID] = e
	p, ok := sh.parked[venueID]
	if !ok {
		return nil
	}
	delete(sh.parked, venueID)
	return p.changes
}

// adopt binds e under venueID unless another entry already holds it, in
// which case that entry is returned and e is not indexed.
func (s *store) adopt(venueID string, e *entry) (*entry, []change) {
	sh := s.shardFor(venueID)
	sh.mu.Lock()
	if existing, ok := sh.byVenue[venueID]; ok {
		sh.mu.Unlock()
		return existing, nil
	}
	sh.byVenue[venueID] = e
	var parked []change
	if p, ok := sh.parked[venueID]; ok {
		delete(sh.parked, venueID)
		parked = p.changes
	}
	sh.mu.Unlock()

	s.put(e)
	return nil, parked
}

// lookupOrPark returns the entry bound to venueID, or parks c for a later
// bind. parked is false when the shard's parking capacity is exhausted.
func (s *store) lookupOrPark(venueID string, c change) (e *entry, parked bool) {
	sh := s.shardFor(venueID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.byVenue[venueID]; ok {
		return e, false
	}

	p, ok := sh.parked[venueID]
	if !ok {
		if len(sh.parked) >= s.maxParked {
			return nil, false
		}
		p = &parkedChanges{first: c.at}
		sh.parked[venueID] = p
	}
	if len(p.changes) >= maxParkedPerOrder {
		p.changes = p.changes[1:]
	}
	p.changes = append(p.changes, c)
	return nil, true
}

// remove drops e from both indexes.
func (s *store) remove(e *entry, clientID, venueID string) {
	sh := s.shardFor(clientID)
	sh.mu.Lock()
	if sh.byClient[clientID] == e {
		delete(sh.byClient, clientID)
	}
	sh.mu.Unlock()

	if venueID == "" {
		return
	}
	sh = s.shardFor(venueID)
	sh.mu.Lock()
	if sh.byVenue[venueID] == e {
		delete(sh.byVenue, venueID)
	}
	sh.mu.Unlock()
}

// entries returns every stored entry.
func (s *store) entries() []*entry {
	var out []*entry
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.byClient {
			out = append(out, e)
		}
		sh.mu.RUnlock()
	}
	return out
}

func (s *store) len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.byClient)
		sh.mu.RUnlock()
	}
	return n
}

// expireParked drops parked changes first seen before cutoff.
func (s *store) expireParked(cutoff time.Time) int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, p := range sh.parked {
			if p.first.Before(cutoff) {
				delete(sh.parked, id)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

func (s *store) parkedLen() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.parked)
		sh.mu.RUnlock()
	}
	return n
}
