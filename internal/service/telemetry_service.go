package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"media-forensics-telemetry/internal/dto"
	"media-forensics-telemetry/internal/pkg/logger"
	"media-forensics-telemetry/internal/session"
	"media-forensics-telemetry/pkg/connection"
	"media-forensics-telemetry/pkg/events"
	"media-forensics-telemetry/pkg/feed"
	"media-forensics-telemetry/pkg/risk"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already open")
)

// UpdatesTopic carries session snapshots on the in-process bus.
const UpdatesTopic = "session_updates"

// MetadataSessionID is the watermill metadata key holding the snapshot's session id.
const MetadataSessionID = "session_id"

// LifecyclePublisher sends job lifecycle events to the outside world (NATS in production).
type LifecyclePublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

type ITelemetryService interface {
	Open(ctx context.Context, req dto.OpenSessionRequest) (*session.Snapshot, error)
	Snapshot(ctx context.Context, sessionID string) (*session.Snapshot, error)
	Close(ctx context.Context, sessionID string) error
	Dismiss(ctx context.Context, sessionID, notificationID string) (bool, error)
	MarkAllRead(ctx context.Context, sessionID string) error
	PresentRisk(ctx context.Context, req dto.PresentRiskRequest) risk.View
}

type telemetryService struct {
	manager   *connection.Manager
	registry  *session.Registry
	lifecycle LifecyclePublisher
	updates   message.Publisher
	defaults  feed.Config
	logger    logger.ILogger
	tracer    trace.Tracer
}

func NewTelemetryService(
	manager *connection.Manager,
	registry *session.Registry,
	lifecycle LifecyclePublisher,
	updates message.Publisher,
	defaults feed.Config,
	log logger.ILogger,
) ITelemetryService {
	return &telemetryService{
		manager:   manager,
		registry:  registry,
		lifecycle: lifecycle,
		updates:   updates,
		defaults:  defaults,
		logger:    log,
		tracer:    otel.Tracer("telemetry-service"),
	}
}

func (s *telemetryService) Open(ctx context.Context, req dto.OpenSessionRequest) (*session.Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "TelemetryService.Open",
		trace.WithAttributes(attribute.String("session.id", req.SessionID)))
	defer span.End()

	if _, ok := s.registry.Get(req.SessionID); ok {
		span.SetStatus(codes.Error, ErrSessionExists.Error())
		return nil, ErrSessionExists
	}

	opts := s.sessionOptions(req)
	sess, err := session.Open(s.manager, opts, s.logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := s.registry.Add(sess); err != nil {
		// Lost a race with a concurrent open of the same id.
		sess.Close()
		span.SetStatus(codes.Error, ErrSessionExists.Error())
		return nil, ErrSessionExists
	}

	snap, err := sess.Snapshot()
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *telemetryService) sessionOptions(req dto.OpenSessionRequest) session.Options {
	id := req.SessionID
	opts := session.Options{
		SessionID:        id,
		MaxNotifications: s.defaults.MaxNotifications,
		AutoClose:        s.defaults.AutoClose,
	}
	if req.MaxNotifications > 0 {
		opts.MaxNotifications = req.MaxNotifications
	}
	switch {
	case req.AutoCloseMs > 0:
		opts.AutoClose = time.Duration(req.AutoCloseMs) * time.Millisecond
	case req.AutoCloseMs < 0:
		opts.AutoClose = -1
	}

	opts.OnComplete = func(view *risk.View) {
		data := map[string]interface{}{"session_id": id}
		if view != nil {
			data["fused_score"] = view.FusedScore
			data["risk_level"] = string(view.Level)
		}
		s.emit(events.TypeAnalysisCompleted, data)
	}
	opts.OnError = func(msg string) {
		s.emit(events.TypeAnalysisFailed, map[string]interface{}{
			"session_id": id,
			"message":    msg,
		})
	}

	// Only touched from the session loop.
	connectionFailed := false
	opts.OnUpdate = func(snap session.Snapshot) {
		if snap.State == connection.StateFailed && !connectionFailed {
			connectionFailed = true
			s.emit(events.TypeConnectionFailed, map[string]interface{}{
				"session_id": id,
			})
		}
		s.publishUpdate(snap)
	}
	return opts
}

// emit publishes a lifecycle event off the session loop.
func (s *telemetryService) emit(eventType string, data map[string]interface{}) {
	if s.lifecycle == nil {
		return
	}
	evt := events.BaseEvent{Type: eventType, Data: data, OccurredAt: time.Now()}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.lifecycle.Publish(ctx, evt); err != nil {
			s.logger.Warn("TelemetryService", "Failed to publish lifecycle event", map[string]interface{}{
				"type":  eventType,
				"error": err.Error(),
			})
		}
	}()
}

func (s *telemetryService) publishUpdate(snap session.Snapshot) {
	if s.updates == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		s.logger.Error("TelemetryService", "Failed to marshal snapshot", map[string]interface{}{"error": err.Error()})
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetadataSessionID, snap.SessionID)
	if err := s.updates.Publish(UpdatesTopic, msg); err != nil {
		s.logger.Warn("TelemetryService", "Failed to publish session update", map[string]interface{}{
			"session_id": snap.SessionID,
			"error":      err.Error(),
		})
	}
}

func (s *telemetryService) lookup(sessionID string) (*session.Session, error) {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *telemetryService) Snapshot(ctx context.Context, sessionID string) (*session.Snapshot, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	snap, err := sess.Snapshot()
	if errors.Is(err, session.ErrSessionClosed) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Close returns once the session has stopped and its connection is released.
func (s *telemetryService) Close(ctx context.Context, sessionID string) error {
	if !s.registry.Remove(sessionID) {
		return ErrSessionNotFound
	}
	return nil
}

func (s *telemetryService) Dismiss(ctx context.Context, sessionID, notificationID string) (bool, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return false, err
	}
	removed, err := sess.Dismiss(notificationID)
	if err != nil {
		return false, fmt.Errorf("dismiss %s: %w", notificationID, err)
	}
	return removed, nil
}

func (s *telemetryService) MarkAllRead(ctx context.Context, sessionID string) error {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	return sess.MarkAllRead()
}

func (s *telemetryService) PresentRisk(ctx context.Context, req dto.PresentRiskRequest) risk.View {
	return risk.Present(risk.Scores(req))
}
