package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/safar/marketplace-core/internal/models"
	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const pollBatchSize = 100

// Poller drains the notification outbox to kafka on a fixed tick. Rows are
// claimed with FOR UPDATE SKIP LOCKED so multiple instances can run.
type Poller struct {
	db       *sql.DB
	writer   *kafka.Writer
	breaker  *gobreaker.CircuitBreaker[any]
	log      *zap.Logger
	interval time.Duration
}

func NewPoller(db *sql.DB, brokers []string, topic string, interval time.Duration, log *zap.Logger) *Poller {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "notification-publisher",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Poller{
		db:       db,
		writer:   w,
		breaker:  cb,
		log:      log,
		interval: interval,
	}
}

func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer p.writer.Close()

	for {
		select {
		case <-ticker.C:
			if err := p.drainOnce(ctx); err != nil {
				p.log.Warn("outbox drain failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) drainOnce(ctx context.Context) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, recipient_id, template_key, template_args, entity_type, entity_id, extra_channel, created_at
		 FROM notification_outbox
		 WHERE published_at IS NULL
		 ORDER BY id
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`,
		pollBatchSize)
	if err != nil {
		return err
	}

	var pending []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.TemplateKey, &n.TemplateArgs,
			&n.EntityType, &n.EntityID, &n.ExtraChannel, &n.CreatedAt); err != nil {
			rows.Close()
			return err
		}
		pending = append(pending, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(pending) == 0 {
		return tx.Commit()
	}

	var published []int64
	for _, n := range pending {
		if err := p.publish(ctx, n); err != nil {
			// Leave the row for the next tick; later rows would publish out
			// of order for the same recipient, so stop here.
			p.log.Warn("publish notification failed",
				zap.Int64("notification_id", n.ID), zap.Error(err))
			break
		}
		published = append(published, n.ID)
	}

	for _, id := range published {
		if _, err := tx.ExecContext(ctx,
			`UPDATE notification_outbox SET published_at = NOW() WHERE id = $1`, id); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (p *Poller) publish(ctx context.Context, n models.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}

	// Keyed by recipient so one consumer partition sees a recipient's
	// notifications in order.
	_, err = p.breaker.Execute(func() (any, error) {
		return nil, p.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(strconv.FormatInt(n.RecipientID, 10)),
			Value: payload,
		})
	})
	return err
}
