// Package autopost bridges finished runs into the external social
// layer: it consumes run facts from the event broker, composes the
// share text, and hands it to whatever publisher is configured.
package autopost

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dmihaylov4/WRKT-sub002/internal/events"
)

// Post is one composed share, addressed to the participant whose feed
// it belongs on.
type Post struct {
	ParticipantID string
	RunID         string
	Content       string
	RouteURL      string
}

// PublishFunc delivers a composed post to the social layer.
type PublishFunc func(ctx context.Context, p Post) error

// Poster subscribes to the broker and publishes a post per participant
// when a run completes, plus a follow-up once the route render lands.
type Poster struct {
	broker  *events.Broker
	publish PublishFunc
	log     zerolog.Logger
}

// New builds a Poster. A nil publish only logs the composed posts,
// which keeps the daemon runnable without a social backend.
func New(broker *events.Broker, publish PublishFunc, log zerolog.Logger) *Poster {
	p := &Poster{
		broker:  broker,
		publish: publish,
		log:     log.With().Str("component", "autopost").Logger(),
	}
	if p.publish == nil {
		p.publish = func(_ context.Context, post Post) error {
			p.log.Info().Str("participant_id", post.ParticipantID).Str("content", post.Content).Msg("post composed")
			return nil
		}
	}
	return p
}

// Run consumes events until ctx is cancelled.
func (p *Poster) Run(ctx context.Context) error {
	sub := p.broker.Subscribe()
	defer p.broker.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			p.handle(ctx, ev)
		}
	}
}

func (p *Poster) handle(ctx context.Context, ev *events.Event) {
	var posts []Post
	switch ev.Type {
	case events.TypeRunCompleted:
		if ev.RunCompleted != nil {
			posts = completionPosts(*ev.RunCompleted)
		}
	case events.TypeRouteReady:
		if ev.RouteReady != nil {
			rr := *ev.RouteReady
			posts = []Post{{
				ParticipantID: rr.ParticipantID,
				RunID:         rr.RunID,
				Content:       "My paired-run route is up.",
				RouteURL:      rr.RouteURL,
			}}
		}
	}

	for _, post := range posts {
		if err := p.publish(ctx, post); err != nil {
			p.log.Warn().Err(err).Str("participant_id", post.ParticipantID).Msg("post publish failed")
		}
	}
}

func completionPosts(rc events.RunCompleted) []Post {
	return []Post{
		{ParticipantID: rc.ParticipantA, RunID: rc.RunID, Content: completionText(rc, rc.ParticipantA, rc.ADistanceM)},
		{ParticipantID: rc.ParticipantB, RunID: rc.RunID, Content: completionText(rc, rc.ParticipantB, rc.BDistanceM)},
	}
}

func completionText(rc events.RunCompleted, participantID string, distance *float64) string {
	var text string
	switch {
	case distance != nil:
		text = fmt.Sprintf("Finished a paired run: %.2f km.", *distance/1000)
	default:
		text = "Finished a paired run."
	}
	switch {
	case rc.WinnerID == nil:
		text += " Dead even with my partner."
	case *rc.WinnerID == participantID:
		text += " Took the win!"
	default:
		text += " Partner took this one."
	}
	return text
}
