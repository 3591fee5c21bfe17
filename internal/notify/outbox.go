// Package notify is the outbound notification edge. Core operations enqueue
// notification requests into a transactional outbox; a poller publishes them
// to kafka. Delivery is fire-and-forget: a failed publish is retried on the
// next tick and never affects the state change that produced it.
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/safar/marketplace-core/internal/models"
)

// Enqueue appends a notification request inside the caller's transaction, so
// the request commits or rolls back together with the state change.
func Enqueue(ctx context.Context, tx *sql.Tx, n models.Notification) error {
	args := n.TemplateArgs
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO notification_outbox (recipient_id, template_key, template_args, entity_type, entity_id, extra_channel, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		n.RecipientID, n.TemplateKey, args, n.EntityType, n.EntityID, n.ExtraChannel)
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}
