package handler

import (
	"errors"

	"media-forensics-telemetry/internal/dto"
	"media-forensics-telemetry/internal/pkg/logger"
	"media-forensics-telemetry/internal/pkg/serverutils"
	"media-forensics-telemetry/internal/service"
	internalWS "media-forensics-telemetry/internal/websocket"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

type SessionHandler struct {
	service   service.ITelemetryService
	hub       *internalWS.Hub
	validate  *validator.Validate
	jwtSecret string
	logger    logger.ILogger
}

func NewSessionHandler(svc service.ITelemetryService, hub *internalWS.Hub, jwtSecret string, log logger.ILogger) *SessionHandler {
	return &SessionHandler{
		service:   svc,
		hub:       hub,
		validate:  validator.New(),
		jwtSecret: jwtSecret,
		logger:    log,
	}
}

func (h *SessionHandler) RegisterRoutes(api fiber.Router, ws fiber.Router) {
	sessions := api.Group("/sessions")
	sessions.Use(serverutils.JwtMiddleware(h.jwtSecret))
	sessions.Post("/", h.Open)
	sessions.Get("/:id", h.Snapshot)
	sessions.Delete("/:id", h.Close)
	sessions.Delete("/:id/notifications/:nid", h.Dismiss)
	sessions.Post("/:id/notifications/read", h.MarkAllRead)

	api.Post("/risk/present", serverutils.JwtMiddleware(h.jwtSecret), h.PresentRisk)

	ws.Get("/sessions/:id", h.ServeWs)
}

func (h *SessionHandler) fail(ctx *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		return ctx.Status(fiber.StatusNotFound).JSON(serverutils.ErrorResponse(fiber.StatusNotFound, err.Error()))
	case errors.Is(err, service.ErrSessionExists):
		return ctx.Status(fiber.StatusConflict).JSON(serverutils.ErrorResponse(fiber.StatusConflict, err.Error()))
	default:
		h.logger.Error("SessionHandler", "Request failed", map[string]interface{}{
			"path":  ctx.Path(),
			"error": err.Error(),
		})
		return ctx.Status(fiber.StatusInternalServerError).JSON(serverutils.ErrorResponse(fiber.StatusInternalServerError, err.Error()))
	}
}

func (h *SessionHandler) Open(ctx *fiber.Ctx) error {
	var req dto.OpenSessionRequest
	if err := ctx.BodyParser(&req); err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(serverutils.ErrorResponse(fiber.StatusBadRequest, "Invalid request body"))
	}
	if err := h.validate.Struct(req); err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(serverutils.ErrorResponse(fiber.StatusBadRequest, err.Error()))
	}

	snap, err := h.service.Open(ctx.UserContext(), req)
	if err != nil {
		return h.fail(ctx, err)
	}
	return ctx.Status(fiber.StatusCreated).JSON(serverutils.SuccessResponse("Session opened", snap))
}

func (h *SessionHandler) Snapshot(ctx *fiber.Ctx) error {
	snap, err := h.service.Snapshot(ctx.UserContext(), ctx.Params("id"))
	if err != nil {
		return h.fail(ctx, err)
	}
	return ctx.JSON(serverutils.SuccessResponse("Session snapshot", snap))
}

func (h *SessionHandler) Close(ctx *fiber.Ctx) error {
	if err := h.service.Close(ctx.UserContext(), ctx.Params("id")); err != nil {
		return h.fail(ctx, err)
	}
	return ctx.JSON(serverutils.SuccessResponse[any]("Session closed", nil))
}

// Dismiss is idempotent: an id that is already gone still answers 200.
func (h *SessionHandler) Dismiss(ctx *fiber.Ctx) error {
	removed, err := h.service.Dismiss(ctx.UserContext(), ctx.Params("id"), ctx.Params("nid"))
	if err != nil {
		return h.fail(ctx, err)
	}
	return ctx.JSON(serverutils.SuccessResponse("Notification dismissed", fiber.Map{"removed": removed}))
}

func (h *SessionHandler) MarkAllRead(ctx *fiber.Ctx) error {
	if err := h.service.MarkAllRead(ctx.UserContext(), ctx.Params("id")); err != nil {
		return h.fail(ctx, err)
	}
	return ctx.JSON(serverutils.SuccessResponse[any]("Notifications marked as read", nil))
}

func (h *SessionHandler) PresentRisk(ctx *fiber.Ctx) error {
	var req dto.PresentRiskRequest
	if err := ctx.BodyParser(&req); err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(serverutils.ErrorResponse(fiber.StatusBadRequest, "Invalid request body"))
	}
	return ctx.JSON(serverutils.SuccessResponse("Risk view", h.service.PresentRisk(ctx.UserContext(), req)))
}

// ServeWs streams session snapshots to a dashboard. Browsers pass the token as the
// "token" query parameter.
func (h *SessionHandler) ServeWs(c *fiber.Ctx) error {
	if h.jwtSecret != "" {
		tokenStr := serverutils.BearerToken(c)
		if tokenStr == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(serverutils.ErrorResponse(fiber.StatusUnauthorized, "Missing token (Query 'token' or Header 'Authorization')"))
		}
		if _, err := serverutils.ParseToken(tokenStr, h.jwtSecret); err != nil {
			h.logger.Warn("SessionHandler", "Invalid Token in WS Handshake", map[string]interface{}{"error": err.Error()})
			return c.Status(fiber.StatusUnauthorized).JSON(serverutils.ErrorResponse(fiber.StatusUnauthorized, "Invalid token"))
		}
	}

	sessionID := c.Params("id")
	snap, err := h.service.Snapshot(c.UserContext(), sessionID)
	if err != nil {
		return h.fail(c, err)
	}
	initial, err := internalWS.Envelope(dto.SessionUpdateMessage, snap)
	if err != nil {
		return h.fail(c, err)
	}

	if websocket.IsWebSocketUpgrade(c) {
		return websocket.New(func(conn *websocket.Conn) {
			h.logger.Info("SessionHandler", "Starting WebSocket stream", map[string]interface{}{"session_id": sessionID})
			internalWS.ServeWs(h.hub, conn, sessionID, initial)
			h.logger.Info("SessionHandler", "WebSocket stream ended", map[string]interface{}{"session_id": sessionID})
		})(c)
	}
	return fiber.ErrUpgradeRequired
}
