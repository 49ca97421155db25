// Package notify announces finished runs on an AMQP exchange so downstream
// automation (PR status updaters, chat hooks) can react without polling.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/tumido/insights-smokerun/pkg/types"
)

const (
	DefaultExchange   = "smokerun"
	DefaultRoutingKey = "run.finished"
)

// Publisher publishes one run.finished event per run. The connection is
// dialed per publish; a CI step has no second message to amortize it over.
type Publisher struct {
	url        string
	exchange   string
	routingKey string
}

func New(url, exchange, routingKey string) *Publisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if routingKey == "" {
		routingKey = DefaultRoutingKey
	}
	return &Publisher{url: url, exchange: exchange, routingKey: routingKey}
}

func (p *Publisher) Name() string {
	return "amqp"
}

// event is the wire payload. It carries enough for a consumer to report the
// verdict without fetching the full run record.
type event struct {
	ID              string       `json:"id"`
	Project         string       `json:"project,omitempty"`
	Refspec         string       `json:"refspec,omitempty"`
	Commit          string       `json:"commit,omitempty"`
	Status          types.Status `json:"status"`
	DurationSeconds float64      `json:"durationSeconds"`
	FinishedAt      time.Time    `json:"finishedAt"`
}

func (p *Publisher) Record(ctx context.Context, result *types.RunResult) error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}

	body, err := json.Marshal(event{
		ID:              result.ID,
		Project:         result.Project,
		Refspec:         result.Refspec,
		Commit:          result.Commit,
		Status:          result.Status,
		DurationSeconds: result.FinishedAt.Sub(result.StartedAt).Seconds(),
		FinishedAt:      result.FinishedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = ch.PublishWithContext(ctx,
		p.exchange,
		p.routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    result.ID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", p.exchange, p.routingKey, err)
	}

	logrus.Debugf("[notify] published %s for run %s", p.routingKey, result.ID)
	return nil
}
