package filter_impl

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/KKKKjl/pushkit/internal/context"
	"github.com/KKKKjl/pushkit/internal/filter"
	"github.com/KKKKjl/pushkit/utils"
)

type RateLimit struct {
	rate    float64 // requests per second
	brust   int     // burst size
	buckets sync.Map
}

func NewRateLimit(rps float64, burst int) *RateLimit {
	if rps <= 0 {
		panic(fmt.Sprintf("rate %v <= 0", rps))
	}

	if burst < 1 {
		burst = int(math.Max(1, rps))
	}

	return &RateLimit{
		rate:  rps,
		brust: burst,
	}
}

func (r *RateLimit) GetMax() float64 {
	return r.rate
}

func (r *RateLimit) Take(key string) *rate.Limiter {
	limit, _ := r.buckets.LoadOrStore(key, rate.NewLimiter(rate.Limit(r.rate), r.brust))
	return limit.(*rate.Limiter)
}

func (r *RateLimit) Filter() filter.HandleFilter {
	return func(ctx *context.HttpContext, next filter.Next) {
		ip, err := utils.GetIPAddr(ctx.Request)
		if err != nil {
			ip = ctx.Request.RemoteAddr
		}

		reservation := r.Take(ip).Reserve()
		if !reservation.OK() {
			ctx.AbortWithMsg(http.StatusTooManyRequests, "Cannot provide the requested token.")
			return
		}

		if delay := reservation.Delay(); delay > 0 {
			reservation.Cancel()

			resetUnixTime := time.Now().Unix() + int64(math.Ceil(delay.Seconds()))
			ctx.SetResponseHeader("X-Ratelimit-Limit", fmt.Sprintf("%.2f", r.GetMax()))
			ctx.SetResponseHeader("X-Ratelimit-Reset", strconv.FormatInt(resetUnixTime, 10))
			ctx.AbortWithMsg(http.StatusTooManyRequests, "Too many requests, please try again in several seconds.")
			return
		}

		next(ctx)
	}
}

func InitRateLimit(rps float64, burst int) filter.Handler {
	return filter.Handler{
		Name:     "ratelimit",
		Priority: 1,
		Handle:   NewRateLimit(rps, burst).Filter(),
	}
}
