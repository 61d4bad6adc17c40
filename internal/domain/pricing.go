package domain

import "fmt"

// taxPermille is the fixed tax rate applied to the pre-tax sum: 2%,
// expressed in permille so the computation stays in integer arithmetic.
const taxPermille = 20

// amountTolerance is how far a client-estimated total may diverge from the
// server-computed one before the order is rejected. One minor unit absorbs
// client-side rounding; anything beyond is a hard rejection.
const amountTolerance = 1

// ComputeAmount returns the authoritative order total in minor units:
// sum(offerPrice * quantity) plus tax floored to an integer unit.
// Prices come from the ledger's product records, never from the client.
func ComputeAmount(items []LineItem, products map[string]Product) (int64, error) {
	if len(items) == 0 {
		return 0, ErrEmptyOrder
	}

	var subtotal int64
	for _, item := range items {
		if item.Quantity <= 0 {
			return 0, ErrInvalidQuantity
		}

		product, ok := products[item.ProductID.String()]
		if !ok {
			return 0, fmt.Errorf("product[%s]: %w", item.ProductID, ErrProductNotFound)
		}

		subtotal += product.OfferPrice.Amount * int64(item.Quantity)
	}

	// Integer division floors the tax, matching how totals are displayed.
	tax := subtotal * taxPermille / 1000

	return subtotal + tax, nil
}

// CheckClientEstimate validates a client-supplied total against the server
// amount. The estimate is only a consistency check: zero means "not
// provided" and always passes.
func CheckClientEstimate(serverAmount, clientEstimate int64) error {
	if clientEstimate == 0 {
		return nil
	}

	diff := serverAmount - clientEstimate
	if diff < 0 {
		diff = -diff
	}

	if diff > amountTolerance {
		return fmt.Errorf("server=%d client=%d: %w", serverAmount, clientEstimate, ErrAmountMismatch)
	}

	return nil
}
