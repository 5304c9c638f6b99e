package domain

import "errors"

// Sentinel errors for market-level error handling.
// The server maps these to ERROR replies; the admin API maps them to HTTP
// status codes.
var (
	ErrSellerNotFound    = errors.New("seller_not_found")
	ErrSaleNotFound      = errors.New("sale_not_found")
	ErrSaleAlreadyActive = errors.New("sale_already_active")
	ErrInsufficientStock = errors.New("insufficient_stock")
	ErrNotSaleOwner      = errors.New("not_sale_owner")
)

// ValidationError represents a rejected argument (non-positive quantity,
// unknown item name, malformed role).
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
