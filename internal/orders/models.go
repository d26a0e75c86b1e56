package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Product struct {
	ID        int64
	Name      string
	Price     decimal.Decimal
	Stock     int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Line is immutable once the order is placed; UnitPrice is the price seen in the cart.
type Line struct {
	ProductID int64           `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (l Line) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Order struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Email     string          `json:"-"`
	Status    Status          `json:"status"`
	Total     decimal.Decimal `json:"total"`
	Currency  string          `json:"currency"`
	IntentID  string          `json:"-"`
	PaymentID string          `json:"payment_id,omitempty"`
	Lines     []Line          `json:"lines"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewOrder builds a pending order and freezes its total from the given lines.
func NewOrder(userID, email, currency string, lines []Line) *Order {
	now := time.Now().UTC()
	cp := make([]Line, len(lines))
	copy(cp, lines)
	return &Order{
		ID:        uuid.NewString(),
		UserID:    userID,
		Email:     email,
		Status:    StatusPending,
		Total:     TotalOf(cp),
		Currency:  currency,
		Lines:     cp,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TotalOf(lines []Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Subtotal())
	}
	return total.Round(2)
}

// Quantities sums line quantities per product, keeping first-seen order.
func Quantities(lines []Line) []ProductQty {
	idx := map[int64]int{}
	var out []ProductQty
	for _, l := range lines {
		if i, ok := idx[l.ProductID]; ok {
			out[i].Qty += l.Quantity
			continue
		}
		idx[l.ProductID] = len(out)
		out = append(out, ProductQty{ProductID: l.ProductID, Name: l.Name, Qty: l.Quantity})
	}
	return out
}

type ProductQty struct {
	ProductID int64
	Name      string
	Qty       int
}

// StatusView is an order's status with its owner, as served by the order
// status endpoint and kept in the status cache.
type StatusView struct {
	Status Status `json:"status"`
	UserID string `json:"user_id"`
}

// Shortfall records units that could not be taken from stock at settlement.
type Shortfall struct {
	ProductID int64
	Requested int
	Taken     int
}

type Settlement struct {
	Order      *Order
	Shortfalls []Shortfall
}
