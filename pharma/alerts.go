package pharma

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultExpiryWindowDays is how far ahead "expiring soon" looks.
const DefaultExpiryWindowDays = 30

type AlertType string

const (
	AlertLowStock     AlertType = "low_stock"
	AlertExpiringSoon AlertType = "expiring_soon"
)

// Alert flags one drug. A drug that is both low and expiring yields two.
type Alert struct {
	Type         AlertType
	Drug         Drug
	DaysToExpiry int
	ShortfallQty int64 // MinStockLevel - Quantity, 0 when not low
}

// Alerts evaluates every drug against the low stock and expiry rules.
// Low stock: Quantity <= MinStockLevel. Expiring: fewer than windowDays
// days left, expired drugs included.
func Alerts(drugs []Drug, now time.Time, windowDays int) (low, expiring []Alert) {
	for _, d := range drugs {
		days := d.DaysToExpiry(now)
		if d.IsLowStock() {
			low = append(low, Alert{Type: AlertLowStock, Drug: d, DaysToExpiry: days, ShortfallQty: d.MinStockLevel - d.Quantity})
		}
		if d.ExpiresWithin(now, windowDays) {
			expiring = append(expiring, Alert{Type: AlertExpiringSoon, Drug: d, DaysToExpiry: days})
		}
	}
	return low, expiring
}

// Summary is the inventory dashboard headline.
type Summary struct {
	TotalDrugs    int
	TotalItems    int64
	LowStockItems int
	ExpiringSoon  int
	StaleItems    int
	TotalValue    decimal.Decimal
}

func Summarize(drugs []Drug, now time.Time, windowDays int) Summary {
	s := Summary{TotalDrugs: len(drugs), TotalValue: decimal.Zero}
	for _, d := range drugs {
		s.TotalItems += d.Quantity
		s.TotalValue = s.TotalValue.Add(d.StockValue())
		if d.IsLowStock() {
			s.LowStockItems++
		}
		if d.ExpiresWithin(now, windowDays) {
			s.ExpiringSoon++
		}
		if d.Stale {
			s.StaleItems++
		}
	}
	return s
}
