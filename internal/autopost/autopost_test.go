package autopost

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dmihaylov4/WRKT-sub002/internal/events"
)

func collectPosts() (PublishFunc, func() []Post) {
	var mu sync.Mutex
	var posts []Post
	publish := func(_ context.Context, p Post) error {
		mu.Lock()
		posts = append(posts, p)
		mu.Unlock()
		return nil
	}
	snapshot := func() []Post {
		mu.Lock()
		defer mu.Unlock()
		return append([]Post(nil), posts...)
	}
	return publish, snapshot
}

func waitForPosts(t *testing.T, snapshot func() []Post, n int) []Post {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		got := snapshot()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d posts, got %d", n, len(got))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunCompletedPostsBothSides(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	publish, snapshot := collectPosts()
	poster := New(broker, publish, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = poster.Run(ctx) }()

	// Let the subscription land before publishing.
	deadline := time.Now().Add(time.Second)
	for broker.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("poster never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	winner := "runner-a"
	distA, distB := 1200.0, 800.0
	broker.Publish(events.NewRunCompleted(events.RunCompleted{
		RunID:        "run-1",
		ParticipantA: "runner-a",
		ParticipantB: "runner-b",
		WinnerID:     &winner,
		ADistanceM:   &distA,
		BDistanceM:   &distB,
	}))

	posts := waitForPosts(t, snapshot, 2)
	byParticipant := map[string]Post{}
	for _, p := range posts {
		byParticipant[p.ParticipantID] = p
	}
	a, ok := byParticipant["runner-a"]
	if !ok || !strings.Contains(a.Content, "1.20 km") || !strings.Contains(a.Content, "Took the win") {
		t.Fatalf("unexpected winner post: %+v", a)
	}
	b, ok := byParticipant["runner-b"]
	if !ok || !strings.Contains(b.Content, "0.80 km") || !strings.Contains(b.Content, "Partner took") {
		t.Fatalf("unexpected loser post: %+v", b)
	}
}

func TestRouteReadyPost(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	publish, snapshot := collectPosts()
	poster := New(broker, publish, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = poster.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for broker.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("poster never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	broker.Publish(events.NewRouteReady(events.RouteReady{
		RunID:         "run-1",
		ParticipantID: "runner-a",
		RouteURL:      "https://routes.example/run-1.png",
	}))

	posts := waitForPosts(t, snapshot, 1)
	if posts[0].RouteURL != "https://routes.example/run-1.png" || posts[0].ParticipantID != "runner-a" {
		t.Fatalf("unexpected route post: %+v", posts[0])
	}
}

func TestDrawText(t *testing.T) {
	text := completionText(events.RunCompleted{}, "runner-a", nil)
	if !strings.Contains(text, "Dead even") {
		t.Fatalf("unexpected draw text: %q", text)
	}
}
