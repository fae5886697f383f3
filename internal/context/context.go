package context

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/KKKKjl/pushkit/internal/response"
)

const maxBodyBytes = 1 << 20

var (
	BadJSONErr      = errors.New("bad json")
	BodyTooLargeErr = errors.New("request body too large")
)

type HttpContext struct {
	ResponseWriter http.ResponseWriter
	Request        *http.Request
	IsAbort        bool
	Method         string
}

func New(w http.ResponseWriter, r *http.Request) *HttpContext {
	return &HttpContext{
		ResponseWriter: w,
		Request:        r,
		Method:         r.Method,
	}
}

// BindJSON decodes exactly one JSON object from the body into dst.
func (c *HttpContext) BindJSON(dst interface{}) error {
	body := http.MaxBytesReader(c.ResponseWriter, c.Request.Body, maxBodyBytes)
	dec := json.NewDecoder(body)

	if err := dec.Decode(dst); err != nil {
		if strings.HasPrefix(err.Error(), "http: request body too large") {
			return BodyTooLargeErr
		}
		return BadJSONErr
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return BadJSONErr
	}

	return nil
}

func (c *HttpContext) ToJSON(statusCode int, obj interface{}) {
	c.SetResponseHeader("Content-Type", "application/json; charset=utf-8")
	c.WriteStatusCode(statusCode)

	encoder := json.NewEncoder(c.ResponseWriter)
	if err := encoder.Encode(obj); err != nil {
		http.Error(c.ResponseWriter, err.Error(), http.StatusInternalServerError)
	}
}

// should be called before writing data to response writer or it will rewrite the status code
func (c *HttpContext) WriteStatusCode(statusCode int) {
	c.ResponseWriter.WriteHeader(statusCode)
}

func (c *HttpContext) Abort() {
	c.IsAbort = true
}

func (c *HttpContext) AbortWithStatus(code int) {
	c.WriteStatusCode(code)
	c.Abort()
}

func (c *HttpContext) AbortWithMsg(code int, msg string) {
	c.ToJSON(code, &response.ResponseModel{
		Code:    code,
		Message: msg,
	})
	c.Abort()
}

func (c *HttpContext) SetResponseHeader(key, value string) {
	c.ResponseWriter.Header().Set(key, value)
}
