package api

import (
	"context"
	"net/url"
)

// GetMarket fetches a single market by condition id.
func (c *Client) GetMarket(ctx context.Context, conditionID string) (*APIMarket, error) {
	var resp APIMarket
	if err := c.get(ctx, "/markets/"+url.PathEscape(conditionID), nil, false, &resp); err != nil {
		return nil, wrapError("api.get_market", err)
	}
	return &resp, nil
}
