// Package etcd announces stream hosts in etcd and resolves them for relay
// producers.
package etcd

import (
	"context"
	"sort"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/KKKKjl/pushkit/internal/registry"
	"github.com/KKKKjl/pushkit/logger"
)

var mainLog = logger.Component("discovery")

// Discovery caches the stream hosts under a prefix. It is a relay.Resolver.
type Discovery struct {
	client         *clientv3.Client
	prefix         string
	updateInterval time.Duration

	mu       sync.RWMutex
	services map[string]*registry.Service // key -> service

	done chan struct{}
	once sync.Once
}

func NewDiscovery(c Config) (*Discovery, error) {
	c.withDefaults()

	cli, err := dial(c)
	if err != nil {
		return nil, err
	}

	d := newDiscovery(c.Prefix)
	d.client = cli

	if err := d.sync(context.Background()); err != nil {
		mainLog.Warnf("Initial sync error: %v", err)
	}

	go d.watch()

	return d, nil
}

func newDiscovery(prefix string) *Discovery {
	return &Discovery{
		prefix:         prefix,
		updateInterval: 3 * time.Second,
		services:       make(map[string]*registry.Service),
		done:           make(chan struct{}),
	}
}

// Resolve returns the relay URLs of every known host, sorted.
func (d *Discovery) Resolve(context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	addrs := make([]string, 0, len(d.services))
	for _, s := range d.services {
		addrs = append(addrs, s.Addr)
	}
	sort.Strings(addrs)

	return addrs, nil
}

func (d *Discovery) put(key string, value []byte) {
	s, err := registry.Unmarshal(value)
	if err != nil {
		mainLog.Errorf("Fail to unmarshal %s: %v", key, err)
		return
	}

	d.mu.Lock()
	d.services[key] = s
	d.mu.Unlock()
}

func (d *Discovery) del(key string) {
	d.mu.Lock()
	delete(d.services, key)
	d.mu.Unlock()
}

func (d *Discovery) replace(kvs map[string][]byte) {
	services := make(map[string]*registry.Service, len(kvs))
	for key, value := range kvs {
		s, err := registry.Unmarshal(value)
		if err != nil {
			mainLog.Errorf("Fail to unmarshal %s: %v", key, err)
			continue
		}
		services[key] = s
	}

	d.mu.Lock()
	d.services = services
	d.mu.Unlock()
}

func (d *Discovery) watch() {
	wch := d.client.Watch(context.Background(), d.prefix, clientv3.WithPrefix())

	ticker := time.NewTicker(d.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case res, ok := <-wch:
			if !ok {
				return
			}
			d.eventCallback(res.Events)

		case <-ticker.C:
			if err := d.sync(context.Background()); err != nil {
				mainLog.Errorf("sync servers error: %s", err)
			}

		case <-d.done:
			return
		}
	}
}

func (d *Discovery) eventCallback(events []*clientv3.Event) {
	for _, event := range events {
		key := string(event.Kv.Key)

		switch event.Type {
		case clientv3.EventTypePut:
			d.put(key, event.Kv.Value)
			mainLog.Infof("Watch put server change: %s", key)

		case clientv3.EventTypeDelete:
			d.del(key)
			mainLog.Infof("Watch del server change: %s", key)
		}
	}
}

func (d *Discovery) sync(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	resp, err := d.client.Get(ctx, d.prefix, clientv3.WithPrefix())
	if err != nil {
		return err
	}

	kvs := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		kvs[string(kv.Key)] = kv.Value
	}
	d.replace(kvs)

	return nil
}

func (d *Discovery) Close() error {
	var err error
	d.once.Do(func() {
		close(d.done)
		if d.client != nil {
			err = d.client.Close()
		}
	})

	return err
}
