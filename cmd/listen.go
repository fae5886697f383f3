package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/KKKKjl/pushkit/config"
	"github.com/KKKKjl/pushkit/internal/client"
	"github.com/KKKKjl/pushkit/internal/hub"
	"github.com/KKKKjl/pushkit/internal/server"
)

var (
	listenURL     string
	listenControl string
	listenTopics  []string
	listenUser    string
	listenToken   string

	listenCmd = &cobra.Command{
		Use:   "listen",
		Short: "open a stream, subscribe to topics and print every event",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return listen(ctx, cmd, config.Load())
		},
	}
)

func init() {
	listenCmd.Flags().StringVar(&listenURL, "url", "http://127.0.0.1:8000"+server.StreamPath, "stream endpoint, ws:// for the websocket variant")
	listenCmd.Flags().StringVar(&listenControl, "control", "", "control endpoint, derived from --url when empty")
	listenCmd.Flags().StringSliceVar(&listenTopics, "topic", nil, "topic to subscribe once connected, repeatable")
	listenCmd.Flags().StringVar(&listenUser, "user", "", "user id sent in the identity header")
	listenCmd.Flags().StringVar(&listenToken, "token", "", "bearer token")
}

func listen(ctx context.Context, cmd *cobra.Command, c config.Config) error {
	header := http.Header{}
	if listenUser != "" {
		header.Set(c.IdentityHeader, listenUser)
	}
	if listenToken != "" {
		header.Set("Authorization", "Bearer "+listenToken)
	}

	var streamer client.Streamer = &client.SSEStreamer{URL: listenURL, Header: header}
	if strings.HasPrefix(listenURL, "ws") {
		streamer = &client.WsStreamer{URL: listenURL, Header: header}
	}

	control := &client.ControlClient{URL: controlURL(listenURL, listenControl)}

	ctrl := client.New(streamer,
		client.WithBaseDelay(c.ClientBaseDelay),
		client.WithMaxDelay(c.ClientMaxDelay),
		client.WithMaxRetries(c.ClientMaxRetries),
	)

	out := json.NewEncoder(cmd.OutOrStdout())
	ctrl.Subscribe(func(frame hub.Frame) {
		out.Encode(&frame)

		if frame.Type != hub.ConnectedType {
			return
		}

		clientID := ctrl.ClientID()
		for _, topic := range listenTopics {
			reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			ok, err := control.Subscribe(reqCtx, clientID, topic)
			cancel()

			switch {
			case err != nil:
				mainLog.Errorf("Subscribe %s error: %v", topic, err)
			case !ok:
				mainLog.Warnf("Subscribe %s: connection already gone.", topic)
			default:
				mainLog.Infof("Subscribed to %s.", topic)
			}
		}
	})

	ctrl.Connect()
	defer ctrl.Disconnect()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if status := ctrl.Status(); status.Failed {
				return fmt.Errorf("stream gave up after %d retries: %v", status.Retries, status.LastError)
			}
		}
	}
}

func controlURL(streamURL, explicit string) string {
	if explicit != "" {
		return explicit
	}

	base := streamURL
	for _, path := range []string{server.StreamPath, server.WsPath} {
		base = strings.TrimSuffix(base, path)
	}
	base = strings.Replace(base, "ws://", "http://", 1)
	base = strings.Replace(base, "wss://", "https://", 1)

	return base + server.ControlPath
}
