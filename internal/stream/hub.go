// Package stream fans live relay frames and session feed records out to
// websocket subscribers. With Redis attached, frames cross service
// instances through pub/sub so both bridges see the same traffic no
// matter which instance they landed on.
package stream

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dmihaylov4/WRKT-sub002/internal/metrics"
)

type Hub struct {
	redis  *redis.Client
	pubsub *redis.PubSub
	log    zerolog.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

type Client struct {
	Topic string
	Send  chan []byte
}

func NewHub(redisClient *redis.Client, log zerolog.Logger) *Hub {
	h := &Hub{
		redis:   redisClient,
		log:     log.With().Str("component", "stream").Logger(),
		clients: map[string]map[*Client]struct{}{},
	}

	if redisClient != nil {
		h.pubsub = redisClient.PSubscribe(context.Background(), relayPattern)
		go h.relay()
	}
	return h
}

// Close stops the Redis relay. Registered clients keep their channels;
// callers unregister them as their connections drain.
func (h *Hub) Close() {
	if h.pubsub != nil {
		_ = h.pubsub.Close()
	}
}

func (h *Hub) Register(topic string) *Client {
	client := &Client{
		Topic: topic,
		Send:  make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[topic] == nil {
		h.clients[topic] = map[*Client]struct{}{}
	}
	h.clients[topic][client] = struct{}{}
	metrics.StreamConnections.Inc()
	return client
}

// Unregister removes the client and closes its Send channel. Safe to
// call more than once; only the first call closes.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	topicClients, ok := h.clients[client.Topic]
	if !ok {
		return
	}
	if _, ok := topicClients[client]; !ok {
		return
	}
	delete(topicClients, client)
	if len(topicClients) == 0 {
		delete(h.clients, client.Topic)
	}
	metrics.StreamConnections.Dec()
	close(client.Send)
}

// Broadcast sends payload to every subscriber of topic. With Redis
// attached, delivery goes through pub/sub only, so local subscribers
// get exactly one copy whichever instance published.
func (h *Hub) Broadcast(topic string, payload []byte) {
	if h.redis == nil {
		h.deliver(topic, payload)
		return
	}
	err := h.redis.Publish(context.Background(), relayChannel(topic), payload).Err()
	if err != nil {
		h.log.Warn().Err(err).Str("topic", topic).Msg("redis publish failed, delivering locally")
		h.deliver(topic, payload)
	}
}

func (h *Hub) deliver(topic string, payload []byte) {
	h.mu.RLock()
	clients := h.clients[topic]
	h.mu.RUnlock()

	for client := range clients {
		select {
		case client.Send <- payload:
			metrics.BroadcastFanout.Inc()
		default:
			// Subscriber behind; the live stream favors freshness.
		}
	}
}

func (h *Hub) relay() {
	for msg := range h.pubsub.Channel() {
		h.deliver(topicFromChannel(msg.Channel), []byte(msg.Payload))
	}
}

const (
	relayPrefix  = "relay:"
	relayPattern = relayPrefix + "*"
)

func relayChannel(topic string) string {
	return relayPrefix + topic
}

func topicFromChannel(ch string) string {
	if len(ch) <= len(relayPrefix) {
		return ""
	}
	return ch[len(relayPrefix):]
}
