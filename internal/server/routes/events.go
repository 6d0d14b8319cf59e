package routes

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/bienestar/offline-cache/internal/server"
	"github.com/bienestar/offline-cache/internal/worker"
)

type clickRequest struct {
	Action string `json:"action"`
}

type syncRequest struct {
	Tag string `json:"tag"`
}

// RegisterEvents 暴露 push / notificationclick / sync 三个事件入口。
func RegisterEvents(app *fiber.App, opts Options) {
	if app == nil {
		return
	}

	app.Post("/-/push", func(c fiber.Ctx) error {
		w := active(opts.Workers)
		if w == nil {
			return noActiveWorker(c)
		}
		data := append([]byte(nil), c.Body()...)
		res, err := w.Dispatcher().Dispatch(c.Context(), worker.Event{Type: worker.EventPush, Data: data})
		if err != nil {
			logEvent(opts.Logger, c, "push", err)
			if errors.Is(err, worker.ErrMalformedPush) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "malformed_push"})
			}
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "notification_failed"})
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"shown":        res.Notification != nil,
			"notification": res.Notification,
		})
	})

	app.Post("/-/notificationclick", func(c fiber.Ctx) error {
		w := active(opts.Workers)
		if w == nil {
			return noActiveWorker(c)
		}
		var body clickRequest
		if err := decodeOptional(c.Body(), &body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
		}
		res, err := w.Dispatcher().Dispatch(c.Context(), worker.Event{Type: worker.EventNotificationClick, Action: body.Action})
		if err != nil {
			logEvent(opts.Logger, c, "notificationclick", err)
		}
		return c.JSON(worker.ClickResult{Closed: res.Closed, OpenURL: res.OpenURL})
	})

	app.Post("/-/sync", func(c fiber.Ctx) error {
		w := active(opts.Workers)
		if w == nil {
			return noActiveWorker(c)
		}
		var body syncRequest
		if err := decodeOptional(c.Body(), &body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
		}
		if _, err := w.Dispatcher().Dispatch(c.Context(), worker.Event{Type: worker.EventSync, Tag: body.Tag}); err != nil {
			logEvent(opts.Logger, c, "sync", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "sync_failed"})
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

func decodeOptional(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func noActiveWorker(c fiber.Ctx) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "no_active_worker"})
}

func logEvent(logger *logrus.Logger, c fiber.Ctx, event string, err error) {
	if logger == nil {
		return
	}
	logger.WithFields(logrus.Fields{
		"action":     event,
		"request_id": server.RequestID(c),
	}).WithError(err).Warn("event_failed")
}
