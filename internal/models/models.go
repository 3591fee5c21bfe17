package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
	RoleAdmin  = "admin"
)

type Address struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	Label      string    `json:"label"`
	Line1      string    `json:"line1"`
	Line2      string    `json:"line2,omitempty"`
	City       string    `json:"city"`
	State      string    `json:"state,omitempty"`
	Country    string    `json:"country"`
	PostalCode string    `json:"postal_code,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type Product struct {
	ID          int64     `json:"id"`
	SellerID    int64     `json:"seller_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProductVariation is the sellable unit: the sole carrier of price and stock.
// Stock is only mutated through the inventory ledger functions.
type ProductVariation struct {
	ID                int64           `json:"id"`
	ProductID         int64           `json:"product_id"`
	SKU               string          `json:"sku"`
	Attributes        json.RawMessage `json:"attributes,omitempty"`
	Price             decimal.Decimal `json:"price"`
	StockQuantity     int             `json:"stock_quantity"`
	IsAvailable       bool            `json:"is_available"`
	LowStockThreshold int             `json:"low_stock_threshold"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Version           int             `json:"version"`
}

// StockMovement is an append-only ledger row. CurrentStock is the variation's
// stock immediately after the movement was applied; replaying all movements
// for a variation in id order from zero must reproduce its current stock.
type StockMovement struct {
	ID           int64     `json:"id"`
	VariationID  int64     `json:"variation_id"`
	ProductID    int64     `json:"product_id"`
	Kind         string    `json:"kind"`
	Quantity     int       `json:"quantity"`
	Reason       string    `json:"reason"`
	Reference    string    `json:"reference,omitempty"`
	ActorID      int64     `json:"actor_id"`
	CurrentStock int       `json:"current_stock"`
	CreatedAt    time.Time `json:"created_at"`
}

const (
	MovementIn         = "in"
	MovementOut        = "out"
	MovementAdjustment = "adjustment"
)

const (
	ReasonOrderPlaced     = "order_placed"
	ReasonOrderRejected   = "order_rejected"
	ReasonOrderCancelled  = "order_cancelled"
	ReasonOrderReturned   = "order_returned"
	ReasonAdminAdjustment = "admin_adjustment"
	ReasonInitialStock    = "initial_stock"
)

type Cart struct {
	ID         int64           `json:"id"`
	UserID     int64           `json:"user_id"`
	Items      []CartItem      `json:"items"`
	TotalPrice decimal.Decimal `json:"total_price"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// CartItem freezes the price at the moment the line entered the cart. The
// frozen price is what checkout charges; the live variation price is only
// re-read for availability checks.
type CartItem struct {
	ID          int64           `json:"id"`
	CartID      int64           `json:"cart_id"`
	VariationID int64           `json:"variation_id"`
	Quantity    int             `json:"quantity"`
	PriceAtAdd  decimal.Decimal `json:"price_at_add"`
	CreatedAt   time.Time       `json:"created_at"`
}

type Order struct {
	ID               int64           `json:"id"`
	OrderNumber      string          `json:"order_number"`
	UserID           int64           `json:"user_id"`
	Status           OrderStatus     `json:"status"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	Currency         string          `json:"currency"`
	ExchangeRateUsed decimal.Decimal `json:"exchange_rate_used"`
	ShippingAddress  ShippingAddress `json:"shipping_address"`
	IsPaid           bool            `json:"is_paid"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Version          int             `json:"version"`
	Items            []OrderItem     `json:"items,omitempty"`
	TrackingEvents   []TrackingEvent `json:"tracking_events,omitempty"`
}

// ShippingAddress is a point-in-time copy taken from the buyer's address at
// order creation. Later address edits never alter placed orders.
type ShippingAddress struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	Country    string `json:"country"`
	PostalCode string `json:"postal_code,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

type OrderItem struct {
	ID          int64           `json:"id"`
	OrderID     int64           `json:"order_id"`
	ProductID   int64           `json:"product_id"`
	VariationID int64           `json:"variation_id"`
	Quantity    int             `json:"quantity"`
	PricePaid   decimal.Decimal `json:"price_paid"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	CreatedAt   time.Time       `json:"created_at"`
}

type TrackingEvent struct {
	ID        int64       `json:"id"`
	OrderID   int64       `json:"order_id"`
	Status    OrderStatus `json:"status"`
	Notes     string      `json:"notes,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

type Offer struct {
	ID            int64            `json:"id"`
	UserID        int64            `json:"user_id"`
	VariationID   int64            `json:"variation_id"`
	ProposedPrice decimal.Decimal  `json:"proposed_price"`
	Status        OfferStatus      `json:"status"`
	AcceptedPrice *decimal.Decimal `json:"accepted_price,omitempty"`
	AdminNote     string           `json:"admin_note,omitempty"`
	ConsumedAt    *time.Time       `json:"consumed_at,omitempty"`
	LastActivity  time.Time        `json:"last_activity_at"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	Messages      []OfferMessage   `json:"messages,omitempty"`
}

type OfferMessage struct {
	ID        int64            `json:"id"`
	OfferID   int64            `json:"offer_id"`
	SenderID  int64            `json:"sender_id"`
	Body      string           `json:"body"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// ExchangeRate is the single mutable rate record: units of the base (ledger)
// currency per one unit of the secondary currency. Orders store the rate they
// were priced with independently, so changing this never rewrites history.
type ExchangeRate struct {
	ID        int64           `json:"id"`
	Rate      decimal.Decimal `json:"rate"`
	UpdatedBy int64           `json:"updated_by"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Notification struct {
	ID           int64           `json:"id"`
	RecipientID  int64           `json:"recipient_id"`
	TemplateKey  string          `json:"template_key"`
	TemplateArgs json.RawMessage `json:"template_args,omitempty"`
	EntityType   string          `json:"entity_type"`
	EntityID     int64           `json:"entity_id"`
	ExtraChannel bool            `json:"extra_channel"`
	PublishedAt  *time.Time      `json:"published_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
