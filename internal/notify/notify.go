package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Event is the best-effort notification emitted on booking and completion.
// Delivery failures never abort the owning transition.
type Event struct {
	Type          string    `json:"type"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	Modality      string    `json:"modality"`
	Status        string    `json:"status"`
	DoctorID      uuid.UUID `json:"doctor_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	At            time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// AMQPPublisher pushes events onto a durable queue.
type AMQPPublisher struct {
	ch    *amqp091.Channel
	queue string
	log   *zap.Logger
}

func NewAMQPPublisher(conn *amqp091.Connection, queue string, log *zap.Logger) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	return &AMQPPublisher{ch: ch, queue: queue, log: log}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("marshal notification", zap.Error(err), zap.String("type", ev.Type))
		return
	}

	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		// Best effort only. Log and move on; the transition already happened.
		p.log.Warn("notification publish failed",
			zap.Error(err),
			zap.String("type", ev.Type),
			zap.String("appointment_id", ev.AppointmentID.String()),
		)
	}
}

// NoopPublisher drops events; used when AMQP is not configured and in tests.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) {}
