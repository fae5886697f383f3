package filter

import (
	"github.com/KKKKjl/pushkit/internal/context"
)

type (
	Next func(*context.HttpContext)

	HandleFilter func(*context.HttpContext, Next)

	Handler struct {
		Name     string
		Priority int // higher runs first
		Handle   HandleFilter
	}

	Chain []Handler // chain is a list of Handlers
)

func (c Chain) Len() int {
	return len(c)
}

func (c Chain) Less(i, j int) bool {
	return c[i].Priority > c[j].Priority
}

func (c Chain) Swap(i, j int) {
	c[i], c[j] = c[j], c[i]
}
