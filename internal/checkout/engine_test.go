package checkout

import (
	"testing"

	"jewel_shop/internal/cart"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestTotalsInvariants(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 300
	properties := gopter.NewProperties(params)

	buildCart := func(prices []int64, qty int) *cart.Cart {
		c := &cart.Cart{Currency: "INR"}
		for i, p := range prices {
			c.Lines = append(c.Lines, cart.Line{ProductID: uint(i + 1), UnitPrice: p, Quantity: qty, Active: true})
		}
		return c
	}

	properties.Property("total = subtotal + shipping - discount and discount <= subtotal", prop.ForAll(
		func(prices []int64, qty int, ship, disc int64) bool {
			c := buildCart(prices, qty)
			tot := computeTotals(c, ship, disc)
			return tot.Total == tot.Subtotal+tot.ShippingFee-tot.Discount &&
				tot.Discount >= 0 && tot.Discount <= tot.Subtotal && tot.Total >= tot.ShippingFee
		},
		gen.SliceOfN(4, gen.Int64Range(1, 5_000_000)), gen.IntRange(1, 5), gen.Int64Range(0, 50_000), gen.Int64Range(-100, 30_000_000),
	))

	properties.Property("line totals sum to subtotal", prop.ForAll(
		func(prices []int64, qty int) bool {
			c := buildCart(prices, qty)
			var sum int64
			for _, it := range orderItems(c) {
				sum += it.LineTotal
			}
			return sum == computeTotals(c, 0, 0).Subtotal
		},
		gen.SliceOf(gen.Int64Range(1, 5_000_000)), gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
