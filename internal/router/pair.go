package router

import (
	"sync"
	"time"

	"github.com/rickgao/clob-sync/internal/model"
)

// pairState tracks the latest top of book of two complementary assets.
type pairState struct {
	mu     sync.Mutex
	assets [2]string
	quotes [2]model.Quote
	seen   [2]bool
}

func newPairState(a, b string) *pairState {
	return &pairState{assets: [2]string{a, b}}
}

// observe records the top of book of one side. It returns an update when both
// sides have been observed and the side's quote changed.
func (p *pairState) observe(assetID string, q model.Quote, at time.Time) (PairUpdate, bool) {
	i := -1
	switch assetID {
	case p.assets[0]:
		i = 0
	case p.assets[1]:
		i = 1
	}
	if i < 0 {
		return PairUpdate{}, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.seen[i] && p.quotes[i].Equal(q) {
		return PairUpdate{}, false
	}
	p.quotes[i] = q
	p.seen[i] = true

	if !p.seen[0] || !p.seen[1] {
		return PairUpdate{}, false
	}
	return PairUpdate{
		AssetA:    p.assets[0],
		AssetB:    p.assets[1],
		A:         p.quotes[0],
		B:         p.quotes[1],
		Timestamp: at,
	}, true
}
