package messaging

import (
	"context"
	"encoding/json"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/registry/config"
	"example.com/backstage/services/registry/internal/services"
)

// ProbeResultHandler consumes one probe result. A nil return completes
// the message; an error abandons it for redelivery.
type ProbeResultHandler func(ctx context.Context, res services.ProbeResult) error

// AzureServiceBus receives health-probe results published by the
// external health checker and feeds them to the health state machine.
type AzureServiceBus struct {
	client    *azservicebus.Client
	receiver  *azservicebus.Receiver
	queueName string
}

// NewAzureServiceBus creates a new Service Bus consumer for the
// probe-result queue.
func NewAzureServiceBus(cfg config.AzureConfig) (*AzureServiceBus, error) {
	if cfg.QueueConnStr == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	receiver, err := client.NewReceiverForQueue(cfg.QueueName, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus receiver")
	}

	return &AzureServiceBus{
		client:    client,
		receiver:  receiver,
		queueName: cfg.QueueName,
	}, nil
}

// ProcessMessages receives probe results until ctx is cancelled.
func (b *AzureServiceBus) ProcessMessages(ctx context.Context, handler ProbeResultHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		messages, err := b.receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "failed to receive messages")
		}

		for _, msg := range messages {
			res, err := extractProbeResult(msg)
			if err != nil {
				// Malformed payloads are never going to parse; park
				// them on the dead-letter queue.
				log.Error().Err(err).Str("message_id", msg.MessageID).Msg("Dead-lettering malformed probe result")
				if dlErr := b.receiver.DeadLetterMessage(ctx, msg, nil); dlErr != nil {
					log.Error().Err(dlErr).Str("message_id", msg.MessageID).Msg("Failed to dead-letter message")
				}
				continue
			}

			if err := handler(ctx, res); err != nil {
				log.Warn().
					Err(err).
					Str("message_id", msg.MessageID).
					Str("service_id", res.ServiceID.String()).
					Msg("Probe result handling failed, abandoning for redelivery")
				if abErr := b.receiver.AbandonMessage(ctx, msg, nil); abErr != nil {
					log.Error().Err(abErr).Str("message_id", msg.MessageID).Msg("Failed to abandon message")
				}
				continue
			}

			if err := b.receiver.CompleteMessage(ctx, msg, nil); err != nil {
				log.Error().Err(err).Str("message_id", msg.MessageID).Msg("Failed to complete message")
			}
		}
	}
}

func extractProbeResult(msg *azservicebus.ReceivedMessage) (services.ProbeResult, error) {
	var res services.ProbeResult
	if err := json.Unmarshal(msg.Body, &res); err != nil {
		return services.ProbeResult{}, errors.Wrap(err, "failed to unmarshal probe result")
	}
	if res.ServiceID == uuid.Nil {
		return services.ProbeResult{}, errors.New("probe result missing service_id")
	}
	return res, nil
}

// Close closes the receiver and the client
func (b *AzureServiceBus) Close() error {
	if b.receiver != nil {
		if err := b.receiver.Close(context.Background()); err != nil {
			return err
		}
	}
	if b.client != nil {
		return b.client.Close(context.Background())
	}
	return nil
}
