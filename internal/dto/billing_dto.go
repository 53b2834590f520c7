package dto

// CreatePaymentRequest starts a checkout. UserID is ignored when the caller
// presents a valid bearer token.
type CreatePaymentRequest struct {
	UserID string `json:"userId"`
	Plan   string `json:"plan"`
}

type CreatePaymentResponse struct {
	SessionURL string `json:"sessionUrl"`
}

type DeleteUserResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type WebhookAck struct {
	Received bool `json:"received"`
}
