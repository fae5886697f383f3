package etcd

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/KKKKjl/pushkit/internal/registry"
)

const DefaultTTL = 10

type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
	TTL         int64
}

func (c *Config) withDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.Prefix == "" {
		c.Prefix = registry.DefaultPrefix
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
}

func dial(c Config) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   c.Endpoints,
		DialTimeout: c.DialTimeout,
	})
}

// Registrar keeps a stream host announced under a lease until closed.
type Registrar struct {
	client *clientv3.Client
	prefix string
	ttl    int64
	leases []clientv3.LeaseID
	ctx    context.Context
	cancel context.CancelFunc
}

func NewRegistrar(c Config) (*Registrar, error) {
	c.withDefaults()

	cli, err := dial(c)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registrar{
		client: cli,
		prefix: c.Prefix,
		ttl:    c.TTL,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (r *Registrar) Register(ctx context.Context, service *registry.Service) error {
	buf, err := registry.Marshal(service)
	if err != nil {
		return err
	}

	return r.putWithLease(ctx, registry.Key(r.prefix, service), string(buf))
}

func (r *Registrar) putWithLease(ctx context.Context, key, value string) error {
	resp, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return err
	}

	if _, err = r.client.Put(ctx, key, value, clientv3.WithLease(resp.ID)); err != nil {
		return err
	}

	r.leases = append(r.leases, resp.ID)
	return r.keepAlive(resp.ID, key)
}

func (r *Registrar) keepAlive(id clientv3.LeaseID, key string) error {
	ch, err := r.client.KeepAlive(r.ctx, id)
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case res, ok := <-ch:
				if !ok {
					if r.ctx.Err() == nil {
						mainLog.Warnf("Lease of %s lost, host no longer announced.", key)
					}
					return
				}
				mainLog.Tracef("%d keep alive successfully", res.ID)
			case <-r.ctx.Done():
				return
			}
		}
	}()

	mainLog.Infof("Registered %s with ttl %ds.", key, r.ttl)
	return nil
}

// Close revokes the leases, removing the announced keys, and closes the client.
func (r *Registrar) Close() error {
	r.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, id := range r.leases {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			mainLog.Warnf("Revoke lease %d error: %v", id, err)
		}
	}

	return r.client.Close()
}
