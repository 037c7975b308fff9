package run

import (
	"github.com/gofiber/fiber/v2"

	"github.com/dmihaylov4/WRKT-sub002/internal/protocol"
)

// respondErr renders service errors with their wire code so clients can
// map them back; anything uncoded is internal.
func respondErr(c *fiber.Ctx, err error) error {
	switch code := ErrorCode(err); code {
	case "not_found":
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": code})
	case "already_active", "already_resolved":
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": code})
	case "unauthenticated":
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": code})
	}
	return fiber.NewError(fiber.StatusInternalServerError, err.Error())
}

func callerID(c *fiber.Ctx) string {
	id, _ := c.Locals("participant_id").(string)
	return id
}

func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Post("/invites", authMiddleware, func(c *fiber.Ctx) error {
		var body struct {
			InviteeID string `json:"invitee_id"`
		}
		if err := c.BodyParser(&body); err != nil || body.InviteeID == "" {
			return fiber.NewError(fiber.StatusBadRequest, "invitee_id required")
		}
		sess, err := svc.CreateInvite(c.Context(), callerID(c), body.InviteeID)
		if err != nil {
			return respondErr(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(sess)
	})

	// Fixed paths register ahead of /:id so they are not captured as ids.
	r.Get("/pending", authMiddleware, func(c *fiber.Ctx) error {
		sessions, err := svc.Pending(c.Context(), callerID(c))
		if err != nil {
			return respondErr(c, err)
		}
		return c.JSON(sessions)
	})

	r.Get("/active", authMiddleware, func(c *fiber.Ctx) error {
		sess, err := svc.Active(c.Context(), callerID(c))
		if err != nil {
			return respondErr(c, err)
		}
		return c.JSON(sess)
	})

	r.Get("/history", authMiddleware, func(c *fiber.Ctx) error {
		sessions, err := svc.History(c.Context(), callerID(c))
		if err != nil {
			return respondErr(c, err)
		}
		return c.JSON(sessions)
	})

	r.Get("/:id", authMiddleware, func(c *fiber.Ctx) error {
		sess, err := svc.Get(c.Context(), callerID(c), c.Params("id"))
		if err != nil {
			return respondErr(c, err)
		}
		return c.JSON(sess)
	})

	r.Post("/:id/accept", authMiddleware, func(c *fiber.Ctx) error {
		sess, err := svc.Accept(c.Context(), callerID(c), c.Params("id"))
		if err != nil {
			return respondErr(c, err)
		}
		return c.JSON(sess)
	})

	r.Post("/:id/decline", authMiddleware, func(c *fiber.Ctx) error {
		sess, err := svc.Decline(c.Context(), callerID(c), c.Params("id"))
		if err != nil {
			return respondErr(c, err)
		}
		return c.JSON(sess)
	})

	r.Post("/:id/complete", authMiddleware, func(c *fiber.Ctx) error {
		var final protocol.FinalStats
		if err := c.BodyParser(&final); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		sess, err := svc.Complete(c.Context(), callerID(c), c.Params("id"), final)
		if err != nil {
			return respondErr(c, err)
		}
		return c.JSON(sess)
	})

	// Fallback ingestion for bridges that cannot hold a websocket open;
	// the live channel is the primary path.
	r.Post("/:id/snapshots", authMiddleware, func(c *fiber.Ctx) error {
		var snap protocol.Snapshot
		if err := c.BodyParser(&snap); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		caller := callerID(c)
		if _, err := svc.Get(c.Context(), caller, c.Params("id")); err != nil {
			return respondErr(c, err)
		}
		snap.RunID = c.Params("id")
		snap.ParticipantID = caller
		accepted := svc.PublishSnapshot(protocol.SnapshotMessage(snap))
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": accepted})
	})

	r.Get("/:id/snapshots/latest", authMiddleware, func(c *fiber.Ctx) error {
		participantID := c.Query("participant_id")
		if participantID == "" {
			return fiber.NewError(fiber.StatusBadRequest, "participant_id required")
		}
		if _, err := svc.Get(c.Context(), callerID(c), c.Params("id")); err != nil {
			return respondErr(c, err)
		}
		snap, err := svc.FetchLatestSnapshot(c.Context(), c.Params("id"), participantID)
		if err != nil {
			return respondErr(c, err)
		}
		return c.JSON(snap)
	})

	r.Post("/:id/route-ready", authMiddleware, func(c *fiber.Ctx) error {
		var body struct {
			RouteURL string `json:"route_url"`
		}
		if err := c.BodyParser(&body); err != nil || body.RouteURL == "" {
			return fiber.NewError(fiber.StatusBadRequest, "route_url required")
		}
		if err := svc.RouteReady(c.Context(), callerID(c), c.Params("id"), body.RouteURL); err != nil {
			return respondErr(c, err)
		}
		return c.SendStatus(fiber.StatusAccepted)
	})
}
