package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// PostOrder submits a signed order. The request is never retried: a transport
// failure leaves the outcome unknown and is returned as a transport error.
func (c *Client) PostOrder(ctx context.Context, req PostOrderRequest) (*PostOrderResponse, error) {
	if req.OrderType == "" {
		req.OrderType = OrderTypeGTC
	}

	var resp PostOrderResponse
	if err := c.send(ctx, http.MethodPost, "/order", req, &resp); err != nil {
		return nil, wrapError("api.post_order", err)
	}
	return &resp, nil
}

// CancelOrder requests cancellation of one order by venue id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (*CancelOrderResponse, error) {
	var resp CancelOrderResponse
	if err := c.send(ctx, http.MethodDelete, "/order", CancelOrderRequest{OrderID: orderID}, &resp); err != nil {
		return nil, wrapError("api.cancel_order", err)
	}
	return &resp, nil
}

// GetOrder fetches the current state of one order by venue id.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*APIOrder, error) {
	var resp APIOrder
	if err := c.get(ctx, "/data/order/"+url.PathEscape(orderID), nil, true, &resp); err != nil {
		return nil, wrapError("api.get_order", err)
	}
	return &resp, nil
}

// IsMatchedReason reports whether a not_canceled reason means the order
// already traded to completion.
func IsMatchedReason(reason string) bool {
	r := strings.ToLower(reason)
	return strings.Contains(r, "matched") || strings.Contains(r, "filled")
}
