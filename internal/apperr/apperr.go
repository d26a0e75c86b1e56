package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrEmptyCart             = errors.New("cart is empty")
	ErrInvalidQuantity       = errors.New("invalid quantity")
	ErrInsufficientStock     = errors.New("insufficient stock")
	ErrGatewayUnavailable    = errors.New("payment gateway unavailable")
	ErrMalformedNotification = errors.New("malformed notification")
	ErrNotFound              = errors.New("not found")
	ErrUnauthenticated       = errors.New("unauthenticated")
)

// InsufficientStockError names the product that blocked a checkout.
type InsufficientStockError struct {
	Product   string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.Product, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

func Kind(err error) string {
	switch {
	case err == nil:
		return ""

	case errors.Is(err, ErrEmptyCart),
		errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrMalformedNotification):
		return "validation"

	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"

	case errors.Is(err, ErrGatewayUnavailable):
		return "gateway_unavailable"

	case errors.Is(err, ErrNotFound):
		return "not_found"

	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"

	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"

	case errors.Is(err, context.Canceled):
		return "canceled"

	default:
		return "internal"
	}
}

func HTTPStatus(err error) int {
	switch Kind(err) {
	case "":
		return http.StatusOK
	case "validation":
		return http.StatusBadRequest
	case "insufficient_stock":
		return http.StatusConflict
	case "gateway_unavailable":
		return http.StatusBadGateway
	case "not_found":
		return http.StatusNotFound
	case "unauthenticated":
		return http.StatusUnauthorized
	case "timeout":
		return http.StatusGatewayTimeout
	case "canceled":
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
