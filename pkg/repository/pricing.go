package repository

import (
	"fmt"

	"github.com/example/storefront/pkg/config"
	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/money"
)

type orderTotals struct {
	Subtotal float64
	Tax      float64
	Shipping float64
	Total    float64
}

// priceOrder turns requested items into priced line items against the
// resolved products. It fails the whole order on the first missing,
// inactive or under-stocked product; callers rely on all-or-nothing.
func priceOrder(products []models.Product, items []models.CheckoutItem, cfg config.CheckoutConfig) ([]models.OrderLineItem, orderTotals, error) {
	byID := make(map[string]models.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	lines := make([]models.OrderLineItem, 0, len(items))
	var totals orderTotals
	for _, item := range items {
		product, ok := byID[item.ProductID]
		if !ok || !product.Active {
			return nil, totals, fmt.Errorf("%w: %s", models.ErrProductUnavailable, item.ProductID)
		}
		if item.Quantity > product.Stock {
			return nil, totals, &models.InsufficientStockError{
				ProductID: product.ID,
				Requested: item.Quantity,
				Available: product.Stock,
			}
		}

		linePrice := money.Round(product.Price * float64(item.Quantity))
		totals.Subtotal = money.Round(totals.Subtotal + linePrice)
		lines = append(lines, models.OrderLineItem{
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    item.Quantity,
			UnitPrice:   product.Price,
		})
	}

	totals.Tax = money.Round(totals.Subtotal * cfg.TaxRate)
	if totals.Subtotal < cfg.FreeShippingThreshold {
		totals.Shipping = cfg.ShippingFee
	}
	totals.Total = money.Round(totals.Subtotal + totals.Tax + totals.Shipping)
	return lines, totals, nil
}
