package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/tidmarket/market-engine/internal/model"
)

func TestSink_CountsEventsAndFees(t *testing.T) {
	buys := testutil.ToFloat64(OperationsTotal.WithLabelValues(model.EventBuy))
	publicFees := testutil.ToFloat64(FeesPaid.WithLabelValues(model.RolePublic))
	created := testutil.ToFloat64(TokensCreated)

	Sink{}.Publish(context.Background(),
		model.Event{Type: model.EventCreate},
		model.Event{Type: model.EventBuy, Amount: decimal.NewFromInt(10), CreatorFee: decimal.NewFromInt(1), PublicFee: decimal.NewFromInt(19)},
	)

	if got := testutil.ToFloat64(OperationsTotal.WithLabelValues(model.EventBuy)) - buys; got != 1 {
		t.Errorf("expected 1 buy counted, got %v", got)
	}
	if got := testutil.ToFloat64(FeesPaid.WithLabelValues(model.RolePublic)) - publicFees; got != 19 {
		t.Errorf("expected 19 public fee, got %v", got)
	}
	if got := testutil.ToFloat64(TokensCreated) - created; got != 1 {
		t.Errorf("expected 1 token created, got %v", got)
	}
}

func TestObserve_CountsRejections(t *testing.T) {
	before := testutil.ToFloat64(OperationRejections.WithLabelValues("sell"))
	Observe("sell", time.Now(), errors.New("boom"))
	Observe("sell", time.Now(), nil)
	if got := testutil.ToFloat64(OperationRejections.WithLabelValues("sell")) - before; got != 1 {
		t.Errorf("expected 1 rejection, got %v", got)
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/tokens/{tid}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/tokens/{tid}", "418"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tokens/alice", nil))

	if got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/tokens/{tid}", "418")) - before; got != 1 {
		t.Errorf("expected request counted under route pattern, got %v", got)
	}
}
