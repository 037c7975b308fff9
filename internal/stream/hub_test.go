package stream

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestHubBroadcastLocal(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	client := hub.Register("run:abc")
	defer hub.Unregister(client)

	hub.Broadcast("run:abc", []byte("hello"))

	select {
	case msg := <-client.Send:
		if string(msg) != "hello" {
			t.Fatalf("unexpected message %q", msg)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("timeout waiting for message")
	}

	// Other topics stay quiet.
	other := hub.Register("run:other")
	defer hub.Unregister(other)
	hub.Broadcast("run:abc", []byte("again"))
	select {
	case msg := <-other.Send:
		t.Fatalf("unexpected cross-topic delivery %q", msg)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestHubChannelHelpers(t *testing.T) {
	ch := relayChannel("participant:p1")
	if topicFromChannel(ch) != "participant:p1" {
		t.Fatalf("round trip failed: %q", topicFromChannel(ch))
	}
	if topicFromChannel("bad") != "" {
		t.Fatalf("expected empty topic")
	}
}

func TestHubUnregisterClosesOnce(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	client := hub.Register("run:u")
	hub.Unregister(client)
	if _, ok := <-client.Send; ok {
		t.Fatalf("expected channel closed")
	}
	// Second unregister must not panic on the closed channel.
	hub.Unregister(client)
}

func TestHubRedisCrossInstance(t *testing.T) {
	s := miniredis.RunT(t)
	clientA := redis.NewClient(&redis.Options{Addr: s.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer clientA.Close()
	defer clientB.Close()

	hubA := NewHub(clientA, zerolog.Nop())
	hubB := NewHub(clientB, zerolog.Nop())
	defer hubA.Close()
	defer hubB.Close()

	local := hubA.Register("run:xyz")
	remote := hubB.Register("run:xyz")
	defer hubA.Unregister(local)
	defer hubB.Unregister(remote)

	// Let both pattern subscriptions settle before publishing.
	time.Sleep(50 * time.Millisecond)
	hubA.Broadcast("run:xyz", []byte("ping"))

	for name, ch := range map[string]chan []byte{"local": local.Send, "remote": remote.Send} {
		select {
		case msg := <-ch:
			if string(msg) != "ping" {
				t.Fatalf("%s: unexpected message %q", name, msg)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("%s: timeout waiting for broadcast", name)
		}
	}
}

func TestHubRedisPublishErrorFallsBackLocal(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	hub := NewHub(client, zerolog.Nop())
	defer hub.Close()
	local := hub.Register("run:down")
	defer hub.Unregister(local)

	s.Close()
	hub.Broadcast("run:down", []byte("ping"))

	select {
	case msg := <-local.Send:
		if string(msg) != "ping" {
			t.Fatalf("unexpected message %q", msg)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("expected local fallback delivery")
	}
}
