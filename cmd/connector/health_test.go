package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/rickgao/clob-sync/internal/api"
	"github.com/rickgao/clob-sync/internal/config"
	"github.com/rickgao/clob-sync/internal/errs"
	"github.com/rickgao/clob-sync/internal/model"
	"github.com/rickgao/clob-sync/internal/order"
)

// stubVenue serves GET order from a fixed set of live orders.
type stubVenue struct {
	mu     sync.Mutex
	orders map[string]*api.APIOrder
}

func (v *stubVenue) PostOrder(context.Context, api.PostOrderRequest) (*api.PostOrderResponse, error) {
	return nil, errs.New(errs.KindVenue, "post")
}

func (v *stubVenue) CancelOrder(context.Context, string) (*api.CancelOrderResponse, error) {
	return &api.CancelOrderResponse{}, nil
}

func (v *stubVenue) GetOrder(_ context.Context, id string) (*api.APIOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.orders[id], nil
}

type noMarkets struct{}

func (noMarkets) Market(context.Context, string) (model.Market, error) {
	return model.Market{}, errs.New(errs.KindNotFound, "market")
}

func newTestOrders(ids ...string) *order.Reconciler {
	venue := &stubVenue{orders: make(map[string]*api.APIOrder)}
	for _, id := range ids {
		venue.orders[id] = &api.APIOrder{
			ID:           id,
			Status:       api.OrderStatusLive,
			Side:         "BUY",
			OriginalSize: decimal.NewFromInt(10),
			SizeMatched:  decimal.Zero,
		}
	}
	return order.NewReconciler(order.DefaultConfig(), venue, noSigner{}, noMarkets{}, slog.Default())
}

func TestWatchHandler(t *testing.T) {
	orders := newTestOrders("0xabc")
	h := watchHandler(orders, time.Second)

	tests := []struct {
		name       string
		method     string
		target     string
		wantStatus int
		wantBody   string
	}{
		{"adopts order", http.MethodPost, "/orders/watch?id=0xabc", http.StatusOK, `"venue_id":"0xabc"`},
		{"missing id", http.MethodPost, "/orders/watch", http.StatusBadRequest, "venue id is required"},
		{"unknown order", http.MethodPost, "/orders/watch?id=0xdef", http.StatusNotFound, "error"},
		{"wrong method", http.MethodGet, "/orders/watch?id=0xabc", http.StatusMethodNotAllowed, "method not allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(tt.method, tt.target, nil))

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if !strings.Contains(rr.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want it to contain %s", rr.Body.String(), tt.wantBody)
			}
		})
	}

	if orders.Len() != 1 {
		t.Errorf("watched = %d, want 1", orders.Len())
	}
}

func TestWatchHandlerReturnsRecord(t *testing.T) {
	orders := newTestOrders("0xabc")
	rr := httptest.NewRecorder()
	watchHandler(orders, time.Second).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/orders/watch?id=0xabc", nil))

	var rec order.Record
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Status != order.StatusOpen {
		t.Errorf("Status = %s, want %s", rec.Status, order.StatusOpen)
	}
	if got, ok := orders.GetByVenueID("0xabc"); !ok || got.ClientID != rec.ClientID {
		t.Errorf("GetByVenueID = %+v, %v; want client id %s", got, ok, rec.ClientID)
	}
}

func TestWatchConfigured(t *testing.T) {
	cfg := &config.Config{Orders: config.OrdersConfig{Watch: []string{"0x1", "0xmissing", "0x2"}}}
	a := &app{cfg: cfg, logger: slog.Default(), orders: newTestOrders("0x1", "0x2")}

	a.watchConfigured(context.Background())

	if a.orders.Len() != 2 {
		t.Errorf("watched = %d, want 2", a.orders.Len())
	}
	for _, id := range []string{"0x1", "0x2"} {
		if _, ok := a.orders.GetByVenueID(id); !ok {
			t.Errorf("order %s not watched", id)
		}
	}
}
