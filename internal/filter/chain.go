package filter

import (
	"net/http"
	"sort"

	"github.com/KKKKjl/pushkit/internal/context"
)

type FilterChains struct {
	chain Chain
}

func NewFilterChains(handlers ...Handler) *FilterChains {
	f := &FilterChains{
		make(Chain, 0, len(handlers)),
	}
	f.Use(handlers...)

	return f
}

func (f *FilterChains) Compose() HandleFilter {
	return func(ctx *context.HttpContext, next Next) {
		var (
			dispatch Next
			index    int
		)

		last := f.chain.Len()

		// It executes the pending handlers in the chain inside the calling handler.
		dispatch = func(ctx *context.HttpContext) {
			// early abort, return directly
			if ctx.IsAbort {
				return
			}

			if index == last {
				next(ctx)
				return
			}

			index++

			f.chain[index-1].Handle(ctx, dispatch)
		}

		dispatch(ctx)
	}
}

// Use appends handlers and keeps the chain sorted by priority. It is not
// safe to call once requests are being served.
func (f *FilterChains) Use(handler ...Handler) {
	f.chain = append(f.chain, handler...)
	sort.Stable(f.chain)
}

// Middleware runs the chain in front of an http.Handler.
func (f *FilterChains) Middleware(next http.Handler) http.Handler {
	handle := f.Compose()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handle(context.New(w, r), func(ctx *context.HttpContext) {
			next.ServeHTTP(ctx.ResponseWriter, ctx.Request)
		})
	})
}
