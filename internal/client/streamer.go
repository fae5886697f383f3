package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/KKKKjl/pushkit/internal/sse"
)

// Stream yields raw frame payloads until it fails or is closed.
type Stream interface {
	Next() ([]byte, error)
	Close() error
}

// Streamer opens one stream. Open returns once the server accepted it.
type Streamer interface {
	Open(ctx context.Context) (Stream, error)
}

type StreamerFunc func(ctx context.Context) (Stream, error)

func (f StreamerFunc) Open(ctx context.Context) (Stream, error) {
	return f(ctx)
}

// SSEStreamer opens an SSE stream with a plain GET.
type SSEStreamer struct {
	URL    string
	Header http.Header
	Client *http.Client
}

func (s *SSEStreamer) Open(ctx context.Context) (Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range s.Header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", sse.ContentType)

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, sse.ContentType) {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected content type %q", ct)
	}

	return &sseStream{body: resp.Body, reader: sse.NewReader(resp.Body)}, nil
}

type sseStream struct {
	body   io.ReadCloser
	reader *sse.Reader
}

func (s *sseStream) Next() ([]byte, error) {
	return s.reader.Next()
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

// WsStreamer opens the websocket variant of the stream.
type WsStreamer struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

func (s *WsStreamer) Open(ctx context.Context) (Stream, error) {
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, s.URL, s.Header)
	if err != nil {
		return nil, err
	}

	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Next() ([]byte, error) {
	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage {
			return message, nil
		}
	}
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}
