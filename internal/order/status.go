package order

import (
	"github.com/shopspring/decimal"

	"github.com/rickgao/clob-sync/internal/api"
)

// Status is the lifecycle status of an order record.
type Status string

const (
	StatusSubmitted       Status = "SUBMITTED"
	StatusOpen            Status = "OPEN"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusCancelled       Status = "CANCELLED"
	StatusRejected        Status = "REJECTED"
	StatusFilled          Status = "FILLED"
)

// Rank orders statuses along the lifecycle. Updates only ever raise it.
func (s Status) Rank() int {
	switch s {
	case StatusSubmitted:
		return 0
	case StatusOpen:
		return 1
	case StatusPartiallyFilled:
		return 2
	case StatusCancelled, StatusRejected:
		return 3
	case StatusFilled:
		return 4
	}
	return -1
}

// Terminal reports whether no further venue activity is expected.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Rank() >= 0
}

// statusFromPlacement maps a POST /order result to a status. filled is the
// share amount already matched, when known.
func statusFromPlacement(placement string, original, filled decimal.Decimal) Status {
	switch placement {
	case api.PlacementMatched:
		return statusFromFill(StatusOpen, original, filled)
	case api.PlacementLive, api.PlacementUnmatched:
		return StatusOpen
	}
	return StatusSubmitted
}

// statusFromVenue maps a GET /data/order status to a status.
func statusFromVenue(venueStatus string, original, matched decimal.Decimal) (Status, bool) {
	switch venueStatus {
	case api.OrderStatusLive, api.OrderStatusUnmatched:
		return statusFromFill(StatusOpen, original, matched), true
	case api.OrderStatusMatched:
		return StatusFilled, true
	case api.OrderStatusCanceled, api.OrderStatusCanceledResolved:
		return StatusCancelled, true
	case api.OrderStatusDelayed:
		return StatusSubmitted, true
	case api.OrderStatusInvalid:
		return StatusRejected, true
	}
	return "", false
}

// statusFromFill derives a live status from the matched amount.
func statusFromFill(base Status, original, filled decimal.Decimal) Status {
	switch {
	case original.IsPositive() && filled.GreaterThanOrEqual(original):
		return StatusFilled
	case filled.IsPositive():
		return StatusPartiallyFilled
	}
	return base
}
