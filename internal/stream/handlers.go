package stream

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/dmihaylov4/WRKT-sub002/internal/protocol"
	"github.com/dmihaylov4/WRKT-sub002/internal/run"
)

// RunAccess is the slice of the run service the websocket boundary
// needs: membership checks on attach and the snapshot publish path.
type RunAccess interface {
	Get(ctx context.Context, callerID, runID string) (run.Session, error)
	PublishSnapshot(msg protocol.Message) bool
}

// RegisterRoutes mounts the two live endpoints: the per-run relay
// channel and the per-participant session feed.
func RegisterRoutes(r fiber.Router, hub *Hub, runs RunAccess, authMiddleware fiber.Handler, log zerolog.Logger) {
	log = log.With().Str("component", "stream").Logger()

	r.Get("/ws/runs/:runID", authMiddleware, websocket.New(func(c *websocket.Conn) {
		runID := c.Params("runID")
		callerID, _ := c.Locals("participant_id").(string)
		if _, err := runs.Get(context.Background(), callerID, runID); err != nil {
			_ = c.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "not a participant"))
			return
		}

		topic := run.ChannelTopic(runID)
		client := hub.Register(topic)
		defer hub.Unregister(client)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for payload := range client.Send {
				if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			}
		}()

		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				break
			}
			msg, err := protocol.Decode(data)
			if err != nil {
				log.Debug().Err(err).Str("run_id", runID).Msg("undecodable frame dropped")
				continue
			}
			if msg.RunID != runID {
				continue
			}
			if msg.Kind == protocol.KindSnapshot {
				runs.PublishSnapshot(msg)
				continue
			}
			// Control traffic and heartbeats relay as-is; the receiving
			// bridge owns dedup and self-echo filtering.
			hub.Broadcast(topic, data)
		}
		hub.Unregister(client)
		<-done
	}))

	r.Get("/ws/participants/:id/sessions", authMiddleware, websocket.New(func(c *websocket.Conn) {
		participantID := c.Params("id")
		callerID, _ := c.Locals("participant_id").(string)
		if callerID != participantID {
			_ = c.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "feed is private"))
			return
		}

		client := hub.Register(run.FeedTopic(participantID))
		defer hub.Unregister(client)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for payload := range client.Send {
				if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			}
		}()

		// The feed is one-way; reads only notice the close.
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				break
			}
		}
		hub.Unregister(client)
		<-done
	}))
}
