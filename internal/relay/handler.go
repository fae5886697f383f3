package relay

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/KKKKjl/pushkit/internal/broadcast"
	tx "github.com/KKKKjl/pushkit/internal/context"
	"github.com/KKKKjl/pushkit/logger"
)

type Ack struct {
	Success   bool `json:"success"`
	Delivered int  `json:"delivered"`
}

// Handler is the internal relay endpoint of the stream host.
type Handler struct {
	broadcaster *broadcast.Broadcaster
	secret      string
	logger      *logrus.Entry
}

func NewHandler(b *broadcast.Broadcaster, secret string) *Handler {
	return &Handler{
		broadcaster: b,
		secret:      secret,
		logger:      logger.Component("relay"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := tx.New(w, r)

	if ctx.Method != http.MethodPost {
		ctx.AbortWithMsg(http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if h.secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(TokenHeader)), []byte(h.secret)) != 1 {
		ctx.AbortWithMsg(http.StatusUnauthorized, "invalid relay token")
		return
	}

	var msg Message
	if err := ctx.BindJSON(&msg); err != nil {
		ctx.AbortWithMsg(http.StatusBadRequest, err.Error())
		return
	}

	res, err := Deliver(h.broadcaster, msg)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, EmptyChannelErr) || errors.Is(err, EmptyEventErr) || errors.Is(err, broadcast.InvalidPayloadErr) {
			code = http.StatusBadRequest
		} else {
			h.logger.Errorf("Relay publish error: %v", err)
		}
		ctx.AbortWithMsg(code, err.Error())
		return
	}

	ctx.ToJSON(http.StatusOK, &Ack{Success: true, Delivered: res.Delivered})
}
