package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product represents a catalog item together with its stock counters.
// AvailableQty is stock not committed to any cart or order; ReservedQty is
// stock committed to outstanding carts and PENDING/CONFIRMED orders. Physical
// stock on hand is the sum of the two.
type Product struct {
	ID           int64           `json:"id"`
	Code         string          `json:"code"`
	Name         string          `json:"name"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	AvailableQty int             `json:"available_qty"`
	ReservedQty  int             `json:"reserved_qty"`
	IsActive     bool            `json:"is_active"`
	CreatedAt    time.Time       `json:"created_at"`
}

// CartLine is one (user, product) hold. Quantity is what the user holds;
// ReservedQty is how much of it is currently backed by the stock ledger.
// The two are equal except after a compensating release, when ReservedQty
// drops to zero until the next checkout attempt re-reserves it.
type CartLine struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"user_id"`
	ProductID   int64     `json:"product_id"`
	ProductCode string    `json:"product_code"` // joined from products
	ProductName string    `json:"product_name"` // joined from products
	Quantity    int       `json:"quantity"`
	ReservedQty int       `json:"reserved_qty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Order status progresses through the state machine:
//
//	PENDING → CONFIRMED → SHIPPED
//	PENDING | CONFIRMED → CANCELLED
//
// Item reservations stay live through PENDING and CONFIRMED; SHIPPED turns
// them into a permanent stock decrement, CANCELLED releases them back.
const (
	OrderStatusPending   = "PENDING"
	OrderStatusConfirmed = "CONFIRMED"
	OrderStatusShipped   = "SHIPPED"
	OrderStatusCancelled = "CANCELLED"
)

// Order is a customer order header. Totals are derived from the items and
// recomputed after every item mutation.
type Order struct {
	ID               int64           `json:"id"`
	UserID           string          `json:"user_id"`
	Status           string          `json:"status"`
	Notes            string          `json:"notes"`
	TotalNet         decimal.Decimal `json:"total_net"`
	TotalVAT         decimal.Decimal `json:"total_vat"`
	TotalGross       decimal.Decimal `json:"total_gross"`
	TruckID          *string         `json:"truck_id,omitempty"`
	LoadingStartedAt *time.Time      `json:"loading_started_at,omitempty"`
	LoadingSeconds   *int            `json:"loading_seconds,omitempty"`
	Items            []OrderItem     `json:"items"`
	CreatedAt        time.Time       `json:"created_at"`
	ConfirmedAt      *time.Time      `json:"confirmed_at,omitempty"`
	ShippedAt        *time.Time      `json:"shipped_at,omitempty"`
	CancelledAt      *time.Time      `json:"cancelled_at,omitempty"`
}

// Editable reports whether item mutations are still permitted.
func (o *Order) Editable() bool { return o.Status == OrderStatusPending }

// OrderItem is one line on an order. While the order is PENDING or CONFIRMED
// the line holds a stock reservation equal to Quantity.
type OrderItem struct {
	ID          int64           `json:"id"`
	OrderID     int64           `json:"order_id"`
	ProductID   int64           `json:"product_id"`
	ProductCode string          `json:"product_code"` // joined from products
	ProductName string          `json:"product_name"` // joined from products
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// OrderTotals is the derived money summary of an order.
type OrderTotals struct {
	Net   decimal.Decimal `json:"net"`
	VAT   decimal.Decimal `json:"vat"`
	Gross decimal.Decimal `json:"gross"`
}

// CalculateTotals derives net/VAT/gross from the current item state. VAT is
// rounded to cents once on the net sum, not per line.
func CalculateTotals(items []OrderItem, vatRate decimal.Decimal) OrderTotals {
	net := decimal.Zero
	for _, it := range items {
		net = net.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	net = net.Round(2)
	vat := net.Mul(vatRate).Round(2)
	return OrderTotals{Net: net, VAT: vat, Gross: net.Add(vat)}
}

// Shipment session status values.
const (
	SessionStatusActive     = "ACTIVE"
	SessionStatusSignalLost = "SIGNAL_LOST"
)

// ShipmentSession is the transient record of one employee physically loading
// one confirmed order. It is never kept as order history: Complete deletes it,
// and the background sweep deletes abandoned ones.
type ShipmentSession struct {
	ID            string    `json:"id"`
	OrderID       int64     `json:"order_id"`
	OwnerID       string    `json:"owner_id"`
	OwnerName     string    `json:"owner_name"`
	TotalItems    int       `json:"total_items"`
	ShippedItems  int       `json:"shipped_items"`
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Identity is the calling user as supplied by the (out-of-scope) auth layer.
// Session operations use it as the ownership key.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// planLineChange decides what a desired quantity becomes once checked against
/// what is orderable: the caller keeps their own current reservation and may
// take at most everything still available on top. Returns the final quantity,
// the reservation delta to apply, and whether the request was downgraded.
func planLineChange(current, desired, available int) (final, delta int, downgraded bool) {
	orderable := available + current
	final = desired
	if desired > orderable {
		final = orderable
		downgraded = true
	}
	return final, final - current, downgraded
}
