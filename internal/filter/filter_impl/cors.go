package filter_impl

import (
	"net/http"
	"strings"

	"github.com/KKKKjl/pushkit/internal/context"
	"github.com/KKKKjl/pushkit/internal/filter"
)

type Cors struct {
	AllowOrigins       []string
	AllowMethods       []string
	AllowHeaders       []string
	AllowExposeHeaders []string
	AllowAllOrigin     bool
}

// NewCors builds a CORS config. "*" in origins allows every origin.
func NewCors(origins []string) *Cors {
	cors := &Cors{
		AllowMethods:       []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:       []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Last-Event-ID"},
		AllowExposeHeaders: []string{"X-Request-Id", "X-Ratelimit-Limit", "X-Ratelimit-Reset"},
	}

	for _, v := range origins {
		if v == "*" {
			cors.AllowAllOrigin = true
			continue
		}
		cors.AllowOrigins = append(cors.AllowOrigins, v)
	}

	return cors
}

func (cors *Cors) handlePreflight(ctx *context.HttpContext, origin string) {
	ctx.SetResponseHeader("Access-Control-Allow-Headers", strings.Join(cors.AllowHeaders, ","))
	ctx.SetResponseHeader("Access-Control-Allow-Methods", strings.Join(cors.AllowMethods, ","))
	ctx.SetResponseHeader("Access-Control-Expose-Headers", strings.Join(cors.AllowExposeHeaders, ","))

	if cors.AllowAllOrigin {
		ctx.SetResponseHeader("Access-Control-Allow-Origin", "*")
	} else if origin != "" {
		ctx.SetResponseHeader("Access-Control-Allow-Origin", origin)
		ctx.ResponseWriter.Header().Add("Vary", "Origin")
	}
}

// check if the origin is allowed
func (cors *Cors) validateOrigin(origin string) bool {
	if cors.AllowAllOrigin {
		return true
	}

	for _, v := range cors.AllowOrigins {
		if strings.EqualFold(v, origin) {
			return true
		}
	}

	return false
}

func (cors *Cors) Filter() filter.HandleFilter {
	return func(ctx *context.HttpContext, next filter.Next) {
		origin := ctx.Request.Header.Get("Origin")

		if origin != "" && !cors.validateOrigin(origin) {
			ctx.AbortWithMsg(http.StatusForbidden, "The request origin "+origin+" is not allowed.")
			return
		}

		cors.handlePreflight(ctx, origin)
		if ctx.Method == http.MethodOptions {
			ctx.AbortWithStatus(http.StatusNoContent)
			return
		}

		next(ctx)
	}
}

func InitCors(origins []string) filter.Handler {
	return filter.Handler{
		Name:     "cors",
		Priority: 2,
		Handle:   NewCors(origins).Filter(),
	}
}
