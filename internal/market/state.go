package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/clob-sync/internal/model"
)

// registryState holds the thread-safe market cache.
type registryState struct {
	mu sync.RWMutex

	// All known markets indexed by condition id.
	markets map[string]*model.Market

	// Token id to condition id.
	tokens map[string]string

	// Last successful REST sync timestamp.
	lastSyncAt time.Time

	changes chan Change
}

func newState() *registryState {
	return &registryState{
		markets: make(map[string]*model.Market),
		tokens:  make(map[string]string),
		changes: make(chan Change, ChangeBufferSize),
	}
}

func (s *registryState) getMarket(conditionID string) (model.Market, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[conditionID]
	if !ok {
		return model.Market{}, false
	}
	return *m, true
}

func (s *registryState) byToken(tokenID string) (model.Market, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokens[tokenID]
	if !ok {
		return model.Market{}, false
	}
	return *s.markets[id], true
}

func (s *registryState) all() []model.Market {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		out = append(out, *m)
	}
	return out
}

// upsert stores m and reports the resulting change, if any.
func (s *registryState) upsert(m model.Market) (Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.markets[m.ConditionID]
	mCopy := m
	s.markets[m.ConditionID] = &mCopy
	s.tokens[m.Tokens[0].ID] = m.ConditionID
	s.tokens[m.Tokens[1].ID] = m.ConditionID

	switch {
	case !ok:
		return Change{ConditionID: m.ConditionID, EventType: ChangeCreated, Market: m}, true
	case !existing.TickSize.Equal(m.TickSize):
		return Change{ConditionID: m.ConditionID, EventType: ChangeTickSize, Market: m}, true
	case existing.Active != m.Active || existing.Closed != m.Closed:
		return Change{ConditionID: m.ConditionID, EventType: ChangeStatus, Market: m}, true
	}
	return Change{}, false
}

// setTickSize updates the tick size of the market carrying tokenID.
func (s *registryState) setTickSize(tokenID string, tick decimal.Decimal) (Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.tokens[tokenID]
	if !ok {
		return Change{}, false
	}
	m := s.markets[id]
	if m.TickSize.Equal(tick) {
		return Change{}, false
	}
	m.TickSize = tick
	return Change{ConditionID: id, EventType: ChangeTickSize, Market: *m}, true
}

// notifyChange sends a change to the changes channel, dropping the oldest
// pending change when full.
func (s *registryState) notifyChange(change Change) {
	select {
	case s.changes <- change:
		return
	default:
	}
	select {
	case <-s.changes:
	default:
	}
	select {
	case s.changes <- change:
	default:
	}
}
