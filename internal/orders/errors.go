package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-storefront-settlement/internal/apperr"
)

var (
	ErrNotFound        = fmt.Errorf("order %w", apperr.ErrNotFound)
	ErrProductNotFound = fmt.Errorf("product %w", apperr.ErrNotFound)
	ErrAlreadyFinal    = errors.New("order already in terminal status")
	ErrStockConflict   = fmt.Errorf("stock adjustment would go negative: %w", apperr.ErrInsufficientStock)
)

// ConfirmFunc runs inside the placement transaction after the order rows are written.
// A returned error rolls the order back.
type ConfirmFunc func(ctx context.Context, o *Order) (intentID string, err error)
