package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/KKKKjl/pushkit/logger"
)

const (
	SHARE_COUNT       = 32
	DEFAULT_QUEUE_LEN = 64
)

type Bucket struct {
	idx   int
	mu    sync.RWMutex
	conns map[string]*Connection // connection id -> connection
}

// Hub is the connection registry and topic subscription index.
//
// Connections live in SHARE_COUNT buckets keyed by fnv32 of the id. The
// subscription index has its own lock. Locks are always taken bucket first,
// index second.
type Hub struct {
	buckets []*Bucket

	mu     sync.RWMutex
	topics map[string]map[string]struct{} // topic -> connection ids
	subs   map[string]map[string]struct{} // connection id -> topics
	users  map[string]map[string]struct{} // user id -> connection ids

	queueSize int
	now       func() time.Time
	newID     func() string
	logger    *logrus.Entry
}

type Option func(*Hub)

func WithQueueSize(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.queueSize = size
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		h.now = now
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(h *Hub) {
		h.newID = fn
	}
}

func WithLogger(entry *logrus.Entry) Option {
	return func(h *Hub) {
		h.logger = entry
	}
}

func New(opts ...Option) *Hub {
	h := &Hub{
		buckets:   make([]*Bucket, 0, SHARE_COUNT),
		topics:    make(map[string]map[string]struct{}),
		subs:      make(map[string]map[string]struct{}),
		users:     make(map[string]map[string]struct{}),
		queueSize: DEFAULT_QUEUE_LEN,
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    logger.Component("hub"),
	}

	for i := 0; i < SHARE_COUNT; i++ {
		h.buckets = append(h.buckets, &Bucket{
			idx:   i,
			conns: make(map[string]*Connection),
		})
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Open registers a new connection. An empty userID is an anonymous connection.
func (h *Hub) Open(userID string) *Connection {
	conn := newConnection(h.newID(), userID, h.now(), h.queueSize)

	bucket := h.getShareBucket(conn.ID)
	bucket.mu.Lock()
	bucket.conns[conn.ID] = conn

	if userID != "" {
		h.mu.Lock()
		addTo(h.users, userID, conn.ID)
		h.mu.Unlock()
	}
	bucket.mu.Unlock()

	h.logger.WithFields(logrus.Fields{"conn_id": conn.ID, "user_id": userID}).Debug("Connection opened.")
	return conn
}

// Close removes the connection and every subscription it holds. Closing an
// unknown or already closed id is a no-op that returns false.
func (h *Hub) Close(connID string) bool {
	bucket := h.getShareBucket(connID)
	bucket.mu.Lock()

	conn, ok := bucket.conns[connID]
	if !ok {
		bucket.mu.Unlock()
		return false
	}
	delete(bucket.conns, connID)

	h.mu.Lock()
	for topic := range h.subs[connID] {
		removeFrom(h.topics, topic, connID)
	}
	delete(h.subs, connID)
	if conn.UserID != "" {
		removeFrom(h.users, conn.UserID, connID)
	}
	h.mu.Unlock()

	bucket.mu.Unlock()

	conn.close()

	h.logger.WithFields(logrus.Fields{
		"conn_id":  connID,
		"user_id":  conn.UserID,
		"duration": h.now().Sub(conn.CreatedAt),
	}).Debug("Connection closed.")
	return true
}

// CloseAll closes every open connection.
func (h *Hub) CloseAll() int {
	conns := h.Connections()
	for _, conn := range conns {
		h.Close(conn.ID)
	}

	return len(conns)
}

func (h *Hub) Get(connID string) (*Connection, bool) {
	bucket := h.getShareBucket(connID)
	bucket.mu.RLock()
	defer bucket.mu.RUnlock()

	conn, ok := bucket.conns[connID]
	return conn, ok
}

func (h *Hub) Touch(connID string) bool {
	conn, ok := h.Get(connID)
	if !ok {
		return false
	}

	conn.Touch(h.now())
	return true
}

// Subscribe adds topic to the connection's subscriptions. It reports whether
// the connection exists. Subscribing twice is the same as subscribing once.
func (h *Hub) Subscribe(connID, topic string) bool {
	bucket := h.getShareBucket(connID)
	bucket.mu.RLock()
	defer bucket.mu.RUnlock()

	if _, ok := bucket.conns[connID]; !ok {
		return false
	}

	h.mu.Lock()
	addTo(h.topics, topic, connID)
	addTo(h.subs, connID, topic)
	h.mu.Unlock()

	return true
}

// Unsubscribe removes topic from the connection's subscriptions. It reports
// whether the connection exists, absent subscriptions are ignored.
func (h *Hub) Unsubscribe(connID, topic string) bool {
	bucket := h.getShareBucket(connID)
	bucket.mu.RLock()
	defer bucket.mu.RUnlock()

	if _, ok := bucket.conns[connID]; !ok {
		return false
	}

	h.mu.Lock()
	removeFrom(h.topics, topic, connID)
	removeFrom(h.subs, connID, topic)
	h.mu.Unlock()

	return true
}

func (h *Hub) SubscribersOf(topic string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return keys(h.topics[topic])
}

func (h *Hub) TopicsOf(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return keys(h.subs[connID])
}

// SubscriberConnections resolves the open subscribers of topic.
func (h *Hub) SubscriberConnections(topic string) []*Connection {
	return h.lookup(h.SubscribersOf(topic))
}

// UserConnections returns every open connection of the user.
func (h *Hub) UserConnections(userID string) []*Connection {
	h.mu.RLock()
	ids := keys(h.users[userID])
	h.mu.RUnlock()

	return h.lookup(ids)
}

func (h *Hub) Connections() []*Connection {
	conns := make([]*Connection, 0)
	for _, bucket := range h.buckets {
		bucket.mu.RLock()
		for _, conn := range bucket.conns {
			conns = append(conns, conn)
		}
		bucket.mu.RUnlock()
	}

	return conns
}

func (h *Hub) Len() int {
	var n int
	for _, bucket := range h.buckets {
		bucket.mu.RLock()
		n += len(bucket.conns)
		bucket.mu.RUnlock()
	}

	return n
}

// TopicCounts returns the number of subscribers per topic.
func (h *Hub) TopicCounts() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	counts := make(map[string]int, len(h.topics))
	for topic, ids := range h.topics {
		counts[topic] = len(ids)
	}

	return counts
}

func (h *Hub) lookup(ids []string) []*Connection {
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := h.Get(id); ok {
			conns = append(conns, conn)
		}
	}

	return conns
}

func (h *Hub) getShareBucket(key string) *Bucket {
	return h.buckets[uint(fnv32(key))%uint(SHARE_COUNT)]
}

func addTo(m map[string]map[string]struct{}, key, member string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[member] = struct{}{}
}

// removeFrom drops member and deletes the key once its set is empty.
func removeFrom(m map[string]map[string]struct{}, key, member string) {
	set, ok := m[key]
	if !ok {
		return
	}

	delete(set, member)
	if len(set) == 0 {
		delete(m, key)
	}
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)

	return out
}

func fnv32(key string) uint32 {
	hash := uint32(2166136261)
	const prime32 = uint32(16777619)
	keyLength := len(key)
	for i := 0; i < keyLength; i++ {
		hash *= prime32
		hash ^= uint32(key[i])
	}
	return hash
}
