package api

import (
	"fmt"

	"github.com/rickgao/clob-sync/internal/model"
)

// ToModel converts a venue market to the internal market type.
// Binary markets carry exactly two tokens; anything else is rejected.
func (m *APIMarket) ToModel() (model.Market, error) {
	if len(m.Tokens) != 2 {
		return model.Market{}, fmt.Errorf("market %s has %d tokens, want 2", m.ConditionID, len(m.Tokens))
	}

	return model.Market{
		ConditionID: m.ConditionID,
		Tokens: [2]model.Token{
			{ID: m.Tokens[0].TokenID, Outcome: m.Tokens[0].Outcome},
			{ID: m.Tokens[1].TokenID, Outcome: m.Tokens[1].Outcome},
		},
		TickSize:     m.MinimumTickSize,
		MinOrderSize: m.MinimumOrderSize,
		NegRisk:      m.NegRisk,
		Active:       m.Active && m.AcceptingOrders,
		Closed:       m.Closed,
	}, nil
}
