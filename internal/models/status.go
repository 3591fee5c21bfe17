package models

// OrderStatus drives the post-creation order state machine. Transitions are
// enforced by CanTransitionTo; the store rejects everything else.
type OrderStatus string

const (
	OrderStatusPendingApproval OrderStatus = "pending_admin_approval"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusProcessing      OrderStatus = "processing"
	OrderStatusShipped         OrderStatus = "shipped"
	OrderStatusOutForDelivery  OrderStatus = "out_for_delivery"
	OrderStatusDelivered       OrderStatus = "delivered"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusReturned        OrderStatus = "returned"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPendingApproval: {OrderStatusAccepted, OrderStatusRejected, OrderStatusCancelled},
	OrderStatusAccepted:        {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing:      {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:         {OrderStatusOutForDelivery, OrderStatusReturned},
	OrderStatusOutForDelivery:  {OrderStatusDelivered, OrderStatusReturned},
	OrderStatusDelivered:       {OrderStatusReturned},
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s OrderStatus) IsTerminal() bool {
	return len(orderTransitions[s]) == 0
}

func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPendingApproval, OrderStatusAccepted, OrderStatusProcessing,
		OrderStatusShipped, OrderStatusOutForDelivery, OrderStatusDelivered,
		OrderStatusRejected, OrderStatusCancelled, OrderStatusReturned:
		return true
	}
	return false
}

// RestocksOnEntry reports whether entering this status reverses the order's
// ledger decrements. Cancellation and rejection are only reachable before
// fulfillment; returned is reachable after shipping.
func (s OrderStatus) RestocksOnEntry() bool {
	return s == OrderStatusRejected || s == OrderStatusCancelled || s == OrderStatusReturned
}

func (s OrderStatus) String() string {
	return string(s)
}

// OfferStatus: pending is the only live state; the other four are terminal.
type OfferStatus string

const (
	OfferStatusPending   OfferStatus = "pending"
	OfferStatusAccepted  OfferStatus = "accepted"
	OfferStatusRejected  OfferStatus = "rejected"
	OfferStatusRetracted OfferStatus = "retracted"
	OfferStatusExpired   OfferStatus = "expired"
)

func (s OfferStatus) IsTerminal() bool {
	return s != OfferStatusPending
}

func (s OfferStatus) String() string {
	return string(s)
}
