package audit

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/audit_backend/config"
	"bitbucket.org/mmdatafocus/audit_backend/utils"
	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
)

type EventType string

const (
	EventSessionStarted      EventType = "audit.session.started"
	EventSessionStopped      EventType = "audit.session.stopped"
	EventDepartmentSubmitted EventType = "audit.department.submitted"
	EventReportGenerated     EventType = "audit.report.generated"
)

// Event is the message body published for downstream consumers (notifications, exports).
type Event struct {
	Type          EventType `json:"type"`
	SessionId     string    `json:"session_id"`
	PropertyId    *string   `json:"property_id,omitempty"`
	Department    string    `json:"department,omitempty"`
	ReportId      string    `json:"report_id,omitempty"`
	Actor         *string   `json:"actor,omitempty"`
	CorrelationId string    `json:"correlation_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }

// PubSubPublisher publishes events to the audit topic and waits for the server ack.
type PubSubPublisher struct {
	topic *pubsub.Topic
}

func NewPubSubPublisher(ctx context.Context) (*PubSubPublisher, error) {
	client, err := config.GetPubSubClient(ctx)
	if err != nil {
		return nil, err
	}
	topic, err := config.CreateTopicIfNotExists(ctx, client, config.AuditEventsTopic())
	if err != nil {
		return nil, err
	}
	return &PubSubPublisher{topic: topic}, nil
}

func (p *PubSubPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"type":       string(event.Type),
			"session_id": event.SessionId,
		},
	})
	_, err = res.Get(ctx)
	return err
}

func (p *PubSubPublisher) Stop() {
	p.topic.Stop()
}

// emit publishes best-effort; a failed publish never fails the operation.
func (d *Deps) emit(ctx context.Context, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = d.now()
	}
	if event.CorrelationId == "" {
		event.CorrelationId, _ = utils.GetCorrelationIdFromContext(ctx)
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.Events.Publish(pubCtx, event); err != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":      "auditEvents",
			"event_type": event.Type,
			"session_id": event.SessionId,
		}).Warn("failed to publish audit event: " + err.Error())
	}
}
