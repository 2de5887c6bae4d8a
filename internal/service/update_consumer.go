package service

import (
	"context"
	"encoding/json"

	"media-forensics-telemetry/internal/dto"
	"media-forensics-telemetry/internal/pkg/logger"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// NewUpdateBus creates the in-process bus that carries snapshots from sessions to the
// consumer. Publish waits for the subscriber's ack, so one session's snapshots reach
// viewers in the order they were taken.
func NewUpdateBus(log watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            256,
		BlockPublishUntilSubscriberAck: true,
	}, log)
}

// UpdateDelivery pushes an encoded frame to a session's viewers.
// Typically implemented by the WebSocket Hub.
type UpdateDelivery interface {
	Send(sessionID string, data []byte)
}

type IUpdateConsumer interface {
	Consume(ctx context.Context) error
}

type updateConsumer struct {
	subscriber message.Subscriber
	topicName  string
	delivery   UpdateDelivery
	logger     logger.ILogger
}

func NewUpdateConsumer(subscriber message.Subscriber, topicName string, delivery UpdateDelivery, log logger.ILogger) IUpdateConsumer {
	return &updateConsumer{
		subscriber: subscriber,
		topicName:  topicName,
		delivery:   delivery,
		logger:     log,
	}
}

func (uc *updateConsumer) Consume(ctx context.Context) error {
	messages, err := uc.subscriber.Subscribe(ctx, uc.topicName)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			uc.processMessage(msg)
		}
	}()

	return nil
}

func (uc *updateConsumer) processMessage(msg *message.Message) {
	// Nothing here is retriable; a bad message is acked and dropped.
	defer msg.Ack()

	sessionID := msg.Metadata.Get(MetadataSessionID)
	if sessionID == "" {
		uc.logger.Warn("UpdateConsumer", "Update without session id", map[string]interface{}{"uuid": msg.UUID})
		return
	}

	// The payload is already the snapshot JSON; wrap it without decoding.
	frame, err := json.Marshal(map[string]interface{}{
		"type": dto.SessionUpdateMessage,
		"data": json.RawMessage(msg.Payload),
	})
	if err != nil {
		uc.logger.Warn("UpdateConsumer", "Invalid snapshot payload", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		return
	}

	uc.delivery.Send(sessionID, frame)
}
