package httpx

import "time"

type VariantDTO struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type LineItemDTO struct {
	ProductID string      `json:"product_id"`
	Quantity  int         `json:"quantity"`
	Variant   *VariantDTO `json:"variant,omitempty"`
}

type CreateOrderRequest struct {
	AddressID     string        `json:"address_id"`
	PaymentMethod string        `json:"payment_method"`
	Items         []LineItemDTO `json:"items"`

	// EstimatedAmount is the client's displayed total in minor units. Zero
	// means not provided; the server amount is authoritative either way.
	EstimatedAmount int64 `json:"estimated_amount,omitempty"`
}

type CreateOrderResponse struct {
	Order        OrderResponse `json:"order"`
	NextAction   string        `json:"next_action"`
	IntentID     string        `json:"intent_id,omitempty"`
	ClientSecret string        `json:"client_secret,omitempty"`
}

type OrderResponse struct {
	ID                 string        `json:"id"`
	BuyerID            string        `json:"buyer_id"`
	Items              []LineItemDTO `json:"items"`
	Amount             int64         `json:"amount"`
	Currency           string        `json:"currency"`
	PaymentMethod      string        `json:"payment_method"`
	PaymentStatus      string        `json:"payment_status"`
	FulfillmentStatus  string        `json:"fulfillment_status"`
	ExternalPaymentRef string        `json:"external_payment_ref,omitempty"`
	ShippingAddressID  string        `json:"shipping_address_id"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

type SetStatusRequest struct {
	Status string `json:"status"`
}

// PaymentRequest drives POST /orders/{id}/payment. With an intent_id it
// reports the client-confirmed outcome; without one it asks for a fresh
// intent (first attempt that failed to get one, or a retry after failure).
type PaymentRequest struct {
	IntentID string `json:"intent_id,omitempty"`
}

type PaymentResponse struct {
	Order        *OrderResponse `json:"order,omitempty"`
	NextAction   string         `json:"next_action"`
	IntentID     string         `json:"intent_id,omitempty"`
	ClientSecret string         `json:"client_secret,omitempty"`
}

type CartItemDTO struct {
	ProductID string      `json:"product_id"`
	Quantity  int         `json:"quantity"`
	Variant   *VariantDTO `json:"variant,omitempty"`
}

type CartResponse struct {
	Items []CartItemDTO `json:"items"`
}

type ReplaceCartRequest struct {
	Items []CartItemDTO `json:"items"`
}

type CreateAddressRequest struct {
	FullName string `json:"full_name"`
	Phone    string `json:"phone,omitempty"`
	Area     string `json:"area,omitempty"`
	City     string `json:"city"`
	State    string `json:"state,omitempty"`
	Zip      string `json:"zip,omitempty"`
}

type AddressDTO struct {
	ID        string    `json:"id"`
	FullName  string    `json:"full_name"`
	Phone     string    `json:"phone,omitempty"`
	Area      string    `json:"area,omitempty"`
	City      string    `json:"city"`
	State     string    `json:"state,omitempty"`
	Zip       string    `json:"zip,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type NotificationDTO struct {
	OrderID   string    `json:"order_id"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
