package filter

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/KKKKjl/pushkit/internal/context"
)

func TestSort(t *testing.T) {
	chain := Chain{
		{"handle1", 1, nil},
		{"handle2", 3, nil},
		{"handle3", 2, nil},
		{"handle4", 4, nil},
	}

	sort.Sort(chain)

	for k, v := range chain {
		if chain.Len()-k != v.Priority {
			t.Errorf("sort error, want %d, got %d", chain.Len()-k, v.Priority)
		}
	}
}

func record(name string, order *[]string) Handler {
	return Handler{
		Name: name,
		Handle: func(ctx *context.HttpContext, next Next) {
			*order = append(*order, name)
			next(ctx)
		},
	}
}

func TestMiddlewareOrder(t *testing.T) {
	var order []string

	low := record("low", &order)
	low.Priority = 1
	high := record("high", &order)
	high.Priority = 5

	chains := NewFilterChains(low, high)
	h := chains.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"high", "low", "handler"}, order)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestMiddlewareAbort(t *testing.T) {
	called := false

	chains := NewFilterChains(Handler{
		Name: "deny",
		Handle: func(ctx *context.HttpContext, next Next) {
			ctx.AbortWithMsg(http.StatusForbidden, "denied")
		},
	})
	h := chains.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.False(t, called)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
