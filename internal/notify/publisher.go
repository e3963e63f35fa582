package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"VaultLedger/internal/event"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher pushes applied notifications to NATS JetStream for downstream
// consumers. Subjects follow the pattern vault.ledger.events.{type}.
// Publishing is best-effort: the audit log in Postgres is the durable
// record, and a consumer that misses a message rebuilds from there.
type Publisher struct {
	js    jetstream.JetStream
	input <-chan *event.Notification
	log   zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, input <-chan *event.Notification, log zerolog.Logger) *Publisher {
	return &Publisher{js: js, input: input, log: log}
}

// Run drains the publish channel until ctx is cancelled or the channel
// closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case note, ok := <-p.input:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, note); err != nil {
				p.log.Warn().
					Err(err).
					Int64("sequence", note.Sequence).
					Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, note *event.Notification) error {
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	subject := fmt.Sprintf("vault.ledger.events.%s", note.Type)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStream creates or updates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "VAULT_LEDGER_EVENTS",
		Subjects:  []string{"vault.ledger.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", "VAULT_LEDGER_EVENTS").Msg("ensured outbound stream")
	return nil
}

// Connect establishes a NATS connection and returns a JetStream context.
func Connect(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
