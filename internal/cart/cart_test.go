package cart

import (
	"testing"

	"github.com/ariefcatur/go-storefront-settlement/internal/apperr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func line(id int64, qty int) Line {
	return Line{ProductID: id, Name: "p", Quantity: qty, UnitPrice: decimal.RequireFromString("10.00")}
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name      string
		lines     []Line
		add       Line
		available int
		want      []Line
		wantErr   error
	}{
		{name: "new_line", lines: nil, add: line(7, 2), available: 5, want: []Line{line(7, 2)}},
		{name: "merges_quantity", lines: []Line{line(7, 2)}, add: line(7, 3), available: 5, want: []Line{line(7, 5)}},
		{name: "keeps_order", lines: []Line{line(1, 1), line(2, 1)}, add: line(3, 1), available: 1, want: []Line{line(1, 1), line(2, 1), line(3, 1)}},
		{name: "over_stock_merged", lines: []Line{line(7, 4)}, add: line(7, 2), available: 5, wantErr: apperr.ErrInsufficientStock},
		{name: "over_stock_new", add: line(7, 6), available: 5, wantErr: apperr.ErrInsufficientStock},
		{name: "zero_quantity", add: line(7, 0), available: 5, wantErr: apperr.ErrInvalidQuantity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := merge(tt.lines, tt.add, tt.available)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMergeDoesNotMutateInput(t *testing.T) {
	in := []Line{line(7, 1)}
	_, err := merge(in, line(7, 1), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, in[0].Quantity)
}

func TestRemove(t *testing.T) {
	got := remove([]Line{line(1, 1), line(2, 2), line(3, 3)}, 2)
	assert.Equal(t, []Line{line(1, 1), line(3, 3)}, got)
	assert.Empty(t, remove(nil, 1))
}
