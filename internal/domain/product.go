package domain

import "github.com/shopspring/decimal"

type Product struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	Active     bool            `json:"active"`
	SalesCount int             `json:"sales_count"`
}
