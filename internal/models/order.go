package models

import "math"

// OrderStatus is the kitchen lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPreparing OrderStatus = "preparing"
	OrderStatusReady     OrderStatus = "ready"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPreparing, OrderStatusReady,
		OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

// TotalTolerance is the allowed difference between an order's total and the
// sum of its line items.
const TotalTolerance = 0.01

// OrderItem is one line of an order.
type OrderItem struct {
	ID       string  `json:"id" validate:"required"`
	Name     string  `json:"name" validate:"required"`
	Price    float64 `json:"price" validate:"gte=0"`
	Quantity float64 `json:"quantity" validate:"gt=0"`
}

// Order is the typed view of an order record used for validation.
type Order struct {
	ID            string      `json:"id,omitempty"`
	Items         []OrderItem `json:"items" validate:"required,min=1,dive"`
	Status        OrderStatus `json:"status,omitempty" validate:"omitempty,order_status"`
	Total         float64     `json:"total" validate:"gte=0"`
	CustomerName  string      `json:"customer_name,omitempty"`
	CustomerPhone string      `json:"customer_phone,omitempty" validate:"omitempty,max=20"`
	CustomerEmail string      `json:"customer_email,omitempty" validate:"omitempty,email"`
	Notes         string      `json:"notes,omitempty"`
}

// OrderFromRecord decodes the typed view of an order record.
func OrderFromRecord(r Record) (*Order, error) {
	var o Order
	if err := normalized(r).Decode(&o); err != nil {
		return nil, err
	}
	return &o, nil
}

// ItemsTotal returns the sum of price * quantity over the order's items.
func (o *Order) ItemsTotal() float64 {
	sum := 0.0
	for _, it := range o.Items {
		sum += it.Price * it.Quantity
	}
	return sum
}

// TotalMatches reports whether Total equals the items sum within tolerance.
func (o *Order) TotalMatches() bool {
	return math.Abs(o.ItemsTotal()-o.Total) <= TotalTolerance
}

// CustomerIdentityFields are the order fields owned by whoever last edited
// the customer details.
var CustomerIdentityFields = []string{"customer_name", "customer_phone", "customer_email", "notes"}

// ServerOwnedOrderFields are always taken from the server during a merge.
var ServerOwnedOrderFields = []string{FieldStatus, "total"}
