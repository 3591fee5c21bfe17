package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/safar/marketplace-core/internal/database"
	"github.com/safar/marketplace-core/internal/models"
	"github.com/safar/marketplace-core/internal/notify"
	"github.com/shopspring/decimal"
)

// An offer is a price negotiation on one (buyer, variation) pair. `pending`
// is the only live state; accepted offers can be redeemed into the buyer's
// cart exactly once, claimed through consumed_at.

// CreateOffer opens a negotiation. The partial unique index on
// (user_id, variation_id) over live statuses turns a duplicate into
// ErrDuplicateActiveOffer without a check-then-insert race.
func CreateOffer(ctx context.Context, db *sql.DB, userID, variationID int64, proposedPrice decimal.Decimal, message string) (*models.Offer, error) {
	if !proposedPrice.IsPositive() {
		return nil, fmt.Errorf("create offer: %w", errValidation("proposed_price", proposedPrice.String()))
	}

	offer := &models.Offer{}

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var stock int
		var available bool
		err := tx.QueryRowContext(ctx,
			`SELECT stock_quantity, is_available FROM product_variations WHERE id = $1`,
			variationID).Scan(&stock, &available)
		if err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("variation %d: %w", variationID, database.ErrVariationNotFound)
			}
			return fmt.Errorf("read variation: %w", err)
		}
		if !available {
			return fmt.Errorf("variation %d: %w", variationID, database.ErrVariationUnavailable)
		}
		if stock == 0 {
			return fmt.Errorf("variation %d is out of stock: %w", variationID, database.ErrInsufficientStock)
		}

		err = tx.QueryRowContext(ctx,
			`INSERT INTO offers (user_id, variation_id, proposed_price, status, last_activity_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, NOW(), NOW(), NOW())
			 RETURNING id, user_id, variation_id, proposed_price, status, admin_note, last_activity_at, created_at, updated_at`,
			userID, variationID, proposedPrice, models.OfferStatusPending).Scan(
			&offer.ID,
			&offer.UserID,
			&offer.VariationID,
			&offer.ProposedPrice,
			&offer.Status,
			&offer.AdminNote,
			&offer.LastActivity,
			&offer.CreatedAt,
			&offer.UpdatedAt,
		)
		if err != nil {
			if database.IsUniqueViolation(err, "uq_offers_active") {
				return fmt.Errorf("variation %d: %w", variationID, database.ErrDuplicateActiveOffer)
			}
			return fmt.Errorf("create offer: %w", err)
		}

		if strings.TrimSpace(message) != "" {
			if err := insertOfferMessage(ctx, tx, offer.ID, userID, message, &proposedPrice); err != nil {
				return err
			}
		}

		return notifyAdmins(ctx, tx, "offer_created", "offer", offer.ID, offerArgs(offer))
	})
	if err != nil {
		return nil, err
	}

	return offer, nil
}

// AddOfferMessage appends to the negotiation thread. Only the offer's buyer
// and admins may post, and only while the offer is pending.
func AddOfferMessage(ctx context.Context, db *sql.DB, offerID int64, body string, price *decimal.Decimal, actor Actor) (*models.OfferMessage, error) {
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("add offer message: %w", errValidation("body", body))
	}

	var message *models.OfferMessage

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		offer, err := lockOffer(ctx, tx, offerID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() && actor.ID != offer.UserID {
			return fmt.Errorf("offer %d: %w", offerID, database.ErrForbidden)
		}
		if offer.Status != models.OfferStatusPending {
			return fmt.Errorf("offer %d is %s: %w", offerID, offer.Status, database.ErrOfferNotPending)
		}

		if err := insertOfferMessage(ctx, tx, offerID, actor.ID, body, price); err != nil {
			return err
		}

		message = &models.OfferMessage{OfferID: offerID, SenderID: actor.ID, Body: body, Price: price}
		err = tx.QueryRowContext(ctx,
			`SELECT id, created_at FROM offer_messages WHERE offer_id = $1 ORDER BY id DESC LIMIT 1`,
			offerID).Scan(&message.ID, &message.CreatedAt)
		if err != nil {
			return fmt.Errorf("read inserted message: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE offers SET last_activity_at = NOW(), updated_at = NOW() WHERE id = $1`,
			offerID)
		if err != nil {
			return fmt.Errorf("touch offer: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return message, nil
}

// AcceptOffer locks the negotiated price. Acceptance may raise but never
// lower the price below what the buyer proposed.
func AcceptOffer(ctx context.Context, db *sql.DB, offerID int64, acceptedPrice decimal.Decimal, actor Actor) (*models.Offer, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("accept offer: %w", database.ErrForbidden)
	}

	var offer *models.Offer

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var err error
		offer, err = lockOffer(ctx, tx, offerID)
		if err != nil {
			return err
		}
		if offer.Status != models.OfferStatusPending {
			return fmt.Errorf("offer %d is %s: %w", offerID, offer.Status, database.ErrOfferNotPending)
		}

		if acceptedPrice.LessThan(offer.ProposedPrice) {
			return fmt.Errorf("accepted %s below proposed %s: %w", acceptedPrice, offer.ProposedPrice, database.ErrPriceBelowFloor)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE offers
			 SET status = $1, accepted_price = $2, last_activity_at = NOW(), updated_at = NOW()
			 WHERE id = $3`,
			models.OfferStatusAccepted, acceptedPrice, offerID)
		if err != nil {
			return fmt.Errorf("accept offer: %w", err)
		}

		offer.Status = models.OfferStatusAccepted
		offer.AcceptedPrice = &acceptedPrice

		return notify.Enqueue(ctx, tx, models.Notification{
			RecipientID:  offer.UserID,
			TemplateKey:  "offer_accepted",
			TemplateArgs: offerArgs(offer),
			EntityType:   "offer",
			EntityID:     offer.ID,
			ExtraChannel: true,
		})
	})
	if err != nil {
		return nil, err
	}

	return offer, nil
}

// RejectOffer closes the negotiation with a mandatory reason, stored as the
// admin note.
func RejectOffer(ctx context.Context, db *sql.DB, offerID int64, reason string, actor Actor) (*models.Offer, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("reject offer: %w", database.ErrForbidden)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("reject offer: %w", errValidation("reason", reason))
	}

	var offer *models.Offer

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var err error
		offer, err = lockOffer(ctx, tx, offerID)
		if err != nil {
			return err
		}
		if offer.Status != models.OfferStatusPending {
			return fmt.Errorf("offer %d is %s: %w", offerID, offer.Status, database.ErrOfferNotPending)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE offers
			 SET status = $1, admin_note = $2, last_activity_at = NOW(), updated_at = NOW()
			 WHERE id = $3`,
			models.OfferStatusRejected, reason, offerID)
		if err != nil {
			return fmt.Errorf("reject offer: %w", err)
		}

		offer.Status = models.OfferStatusRejected
		offer.AdminNote = reason

		return notify.Enqueue(ctx, tx, models.Notification{
			RecipientID:  offer.UserID,
			TemplateKey:  "offer_rejected",
			TemplateArgs: offerArgs(offer),
			EntityType:   "offer",
			EntityID:     offer.ID,
		})
	})
	if err != nil {
		return nil, err
	}

	return offer, nil
}

// RetractOffer lets the offer's own buyer withdraw a pending offer.
func RetractOffer(ctx context.Context, db *sql.DB, offerID int64, actor Actor) (*models.Offer, error) {
	var offer *models.Offer

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var err error
		offer, err = lockOffer(ctx, tx, offerID)
		if err != nil {
			return err
		}
		if actor.ID != offer.UserID {
			return fmt.Errorf("offer %d: %w", offerID, database.ErrForbidden)
		}
		if offer.Status != models.OfferStatusPending {
			return fmt.Errorf("offer %d is %s: %w", offerID, offer.Status, database.ErrOfferNotPending)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE offers
			 SET status = $1, last_activity_at = NOW(), updated_at = NOW()
			 WHERE id = $2`,
			models.OfferStatusRetracted, offerID)
		if err != nil {
			return fmt.Errorf("retract offer: %w", err)
		}

		offer.Status = models.OfferStatusRetracted
		return nil
	})
	if err != nil {
		return nil, err
	}

	return offer, nil
}

// RedeemOfferToCart converts an accepted offer into a cart line at the
// accepted price. Redemption is single-use: the conditional UPDATE claims
// consumed_at, and a second attempt matches zero rows. The variation must
// still be available with stock for the merged line; a failed guard rolls
// the claim back, so the offer stays redeemable.
func RedeemOfferToCart(ctx context.Context, db *sql.DB, offerID int64, actor Actor) (*models.Cart, error) {
	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		offer, err := lockOffer(ctx, tx, offerID)
		if err != nil {
			return err
		}
		if actor.ID != offer.UserID {
			return fmt.Errorf("offer %d: %w", offerID, database.ErrForbidden)
		}

		var stock int
		var available bool
		err = tx.QueryRowContext(ctx,
			`SELECT stock_quantity, is_available FROM product_variations WHERE id = $1`,
			offer.VariationID).Scan(&stock, &available)
		if err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("variation %d: %w", offer.VariationID, database.ErrVariationNotFound)
			}
			return fmt.Errorf("read variation: %w", err)
		}
		if !available {
			return fmt.Errorf("variation %d: %w", offer.VariationID, database.ErrVariationUnavailable)
		}

		var acceptedPrice decimal.Decimal
		err = tx.QueryRowContext(ctx,
			`UPDATE offers
			 SET consumed_at = NOW(), updated_at = NOW()
			 WHERE id = $1
			   AND status = $2
			   AND consumed_at IS NULL
			 RETURNING accepted_price`,
			offerID, models.OfferStatusAccepted).Scan(&acceptedPrice)
		if err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("offer %d is %s: %w", offerID, offer.Status, database.ErrOfferNotRedeemable)
			}
			return fmt.Errorf("claim offer: %w", err)
		}

		return addCartItemAtPrice(ctx, tx, offer.UserID, offer.VariationID, acceptedPrice, stock)
	})
	if err != nil {
		return nil, err
	}

	return GetCart(ctx, db, actor.ID)
}

func GetOffer(ctx context.Context, db *sql.DB, id int64) (*models.Offer, error) {
	offer := &models.Offer{}

	err := db.QueryRowContext(ctx,
		`SELECT id, user_id, variation_id, proposed_price, status, accepted_price, admin_note, consumed_at, last_activity_at, created_at, updated_at
		 FROM offers
		 WHERE id = $1`,
		id).Scan(
		&offer.ID,
		&offer.UserID,
		&offer.VariationID,
		&offer.ProposedPrice,
		&offer.Status,
		&offer.AcceptedPrice,
		&offer.AdminNote,
		&offer.ConsumedAt,
		&offer.LastActivity,
		&offer.CreatedAt,
		&offer.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrOfferNotFound
		}
		return nil, fmt.Errorf("get offer: %w", err)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, offer_id, sender_id, body, price, created_at
		 FROM offer_messages
		 WHERE offer_id = $1
		 ORDER BY id`,
		id)
	if err != nil {
		return nil, fmt.Errorf("get offer messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m models.OfferMessage
		err := rows.Scan(&m.ID, &m.OfferID, &m.SenderID, &m.Body, &m.Price, &m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan offer message: %w", err)
		}
		offer.Messages = append(offer.Messages, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return offer, nil
}

func ListOffersByUser(ctx context.Context, db *sql.DB, userID int64) ([]models.Offer, error) {
	return listOffers(ctx, db,
		`SELECT id, user_id, variation_id, proposed_price, status, accepted_price, admin_note, consumed_at, last_activity_at, created_at, updated_at
		 FROM offers
		 WHERE user_id = $1
		 ORDER BY last_activity_at DESC`,
		userID)
}

func ListPendingOffers(ctx context.Context, db *sql.DB) ([]models.Offer, error) {
	return listOffers(ctx, db,
		`SELECT id, user_id, variation_id, proposed_price, status, accepted_price, admin_note, consumed_at, last_activity_at, created_at, updated_at
		 FROM offers
		 WHERE status = $1
		 ORDER BY last_activity_at`,
		models.OfferStatusPending)
}

func listOffers(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]models.Offer, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer rows.Close()

	var offers []models.Offer
	for rows.Next() {
		var o models.Offer
		err := rows.Scan(
			&o.ID,
			&o.UserID,
			&o.VariationID,
			&o.ProposedPrice,
			&o.Status,
			&o.AcceptedPrice,
			&o.AdminNote,
			&o.ConsumedAt,
			&o.LastActivity,
			&o.CreatedAt,
			&o.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		offers = append(offers, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return offers, nil
}

func lockOffer(ctx context.Context, tx *sql.Tx, id int64) (*models.Offer, error) {
	offer := &models.Offer{}

	err := tx.QueryRowContext(ctx,
		`SELECT id, user_id, variation_id, proposed_price, status, accepted_price, admin_note, consumed_at, last_activity_at, created_at, updated_at
		 FROM offers
		 WHERE id = $1
		 FOR UPDATE`,
		id).Scan(
		&offer.ID,
		&offer.UserID,
		&offer.VariationID,
		&offer.ProposedPrice,
		&offer.Status,
		&offer.AcceptedPrice,
		&offer.AdminNote,
		&offer.ConsumedAt,
		&offer.LastActivity,
		&offer.CreatedAt,
		&offer.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrOfferNotFound
		}
		return nil, fmt.Errorf("lock offer: %w", err)
	}

	return offer, nil
}

func insertOfferMessage(ctx context.Context, tx *sql.Tx, offerID, senderID int64, body string, price *decimal.Decimal) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO offer_messages (offer_id, sender_id, body, price, created_at)
		 VALUES ($1, $2, $3, $4, NOW())`,
		offerID, senderID, body, price)
	if err != nil {
		return fmt.Errorf("insert offer message: %w", err)
	}
	return nil
}

func offerArgs(offer *models.Offer) json.RawMessage {
	args := map[string]interface{}{
		"offer_id":       offer.ID,
		"variation_id":   offer.VariationID,
		"proposed_price": offer.ProposedPrice,
	}
	if offer.AcceptedPrice != nil {
		args["accepted_price"] = *offer.AcceptedPrice
	}
	if offer.AdminNote != "" {
		args["reason"] = offer.AdminNote
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil
	}
	return data
}

func notifyAdmins(ctx context.Context, tx *sql.Tx, templateKey, entityType string, entityID int64, args json.RawMessage) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM users WHERE role = $1`, models.RoleAdmin)
	if err != nil {
		return fmt.Errorf("list admins: %w", err)
	}
	defer rows.Close()

	var adminIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan admin id: %w", err)
		}
		adminIDs = append(adminIDs, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	for _, id := range adminIDs {
		err := notify.Enqueue(ctx, tx, models.Notification{
			RecipientID:  id,
			TemplateKey:  templateKey,
			TemplateArgs: args,
			EntityType:   entityType,
			EntityID:     entityID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
