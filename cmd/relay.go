package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/KKKKjl/pushkit/config"
	"github.com/KKKKjl/pushkit/internal/registry/etcd"
	"github.com/KKKKjl/pushkit/internal/relay"
)

var (
	relayChannel string
	relayEvent   string
	relayData    string

	relayCmd = &cobra.Command{
		Use:   "relay",
		Short: "send one event through the configured relay transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := relay.Message{Channel: relayChannel, Event: relayEvent}
			if relayData != "" {
				if !json.Valid([]byte(relayData)) {
					return errors.New("--data is not valid JSON")
				}
				msg.Data = json.RawMessage(relayData)
			}

			c := config.Load()
			relayer, closeFn, err := newRelayer(c)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := context.WithTimeout(cmd.Context(), c.RelayTimeout)
			defer cancel()

			if err := relayer.Relay(ctx, msg); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "relayed %s to %s via %s\n", msg.Event, msg.Channel, relayer.Transport())
			return nil
		},
	}
)

func init() {
	relayCmd.Flags().StringVar(&relayChannel, "channel", "", "connection id, user-<id> or topic")
	relayCmd.Flags().StringVar(&relayEvent, "event", "", "event type")
	relayCmd.Flags().StringVar(&relayData, "data", "", "JSON payload")
	relayCmd.MarkFlagRequired("channel")
	relayCmd.MarkFlagRequired("event")
}

func newRelayer(c config.Config) (relay.Relayer, func(), error) {
	if c.RelayTransport == relay.TransportRedis {
		rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		return relay.NewRedisRelay(rdb, c.RedisChannel, nil), func() { rdb.Close() }, nil
	}

	if c.RelayTransport != relay.TransportHTTP {
		return nil, nil, fmt.Errorf("unknown relay transport %q", c.RelayTransport)
	}

	opts := []relay.HTTPOption{relay.WithTimeout(c.RelayTimeout), relay.WithSecret(c.RelaySecret)}

	if len(c.EtcdEndpoints) > 0 {
		discovery, err := etcd.NewDiscovery(etcd.Config{Endpoints: c.EtcdEndpoints, Prefix: c.EtcdPrefix})
		if err != nil {
			return nil, nil, fmt.Errorf("etcd: %w", err)
		}
		return relay.NewHTTPClient(discovery, opts...), func() { discovery.Close() }, nil
	}

	return relay.NewHTTPClient(relay.StaticResolver(c.RelayURL), opts...), func() {}, nil
}
