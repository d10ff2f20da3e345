/*
Package pharma is the pharmaceutical inventory domain around the ledger core.

PURPOSE:
  The ledger only knows partitions, items and quantities. This package gives
  them their pharmacy meaning:

    ledger.ItemRef      -> Drug.ID
    ledger.PartitionKey -> Drug.BatchNumber (one chain per batch/lot)
    ledger.Item         -> Drug.AsItem() (quantity cache + reorder threshold)

KEY CONCEPTS:
  - Drug:      Catalog record. Quantity is a projection, never written here.
  - Location:  Where stock sits (pharmacy, ward, storage).
  - Alert:     Low stock or expiring soon.
  - Movement:  Untyped request converted to a ledger.Candidate.

SEE ALSO:
  - service.go: Use cases wired to the ledger Builder and Verifier
  - store/sqlstore: Repository implementation
*/
package pharma

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/warp/pharma-ledger/ledger"
)

// DateLayout is the wire and storage format of expiry dates.
const DateLayout = "2006-01-02"

// =============================================================================
// DRUG
// =============================================================================

type Drug struct {
	ID                string
	Name              string
	GenericName       string
	BatchNumber       string
	Manufacturer      string
	Supplier          string
	Quantity          int64 // projected from the ledger
	MinStockLevel     int64
	MaxStockLevel     int64 // 0 = no ceiling
	UnitPrice         decimal.Decimal
	ExpiryDate        time.Time
	StorageConditions string
	Stale             bool // Quantity awaits a rebuild
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Validate checks catalog metadata. Quantity is not checked here: it is
// either the initial stock (validated as a ledger movement) or a projection.
func (d Drug) Validate() error {
	switch {
	case strings.TrimSpace(d.Name) == "":
		return &ledger.ValidationError{Field: "name", Reason: "is required"}
	case strings.TrimSpace(d.BatchNumber) == "":
		return &ledger.ValidationError{Field: "batch_number", Reason: "is required"}
	case strings.IndexFunc(d.Name, unicode.IsControl) >= 0:
		return &ledger.ValidationError{Field: "name", Reason: "must not contain control characters"}
	case strings.IndexFunc(d.BatchNumber, unicode.IsControl) >= 0:
		return &ledger.ValidationError{Field: "batch_number", Reason: "must not contain control characters"}
	case utf8.RuneCountInString(d.Name) > ledger.MaxFieldLength:
		return &ledger.ValidationError{Field: "name", Reason: fmt.Sprintf("must be at most %d characters", ledger.MaxFieldLength)}
	case utf8.RuneCountInString(d.BatchNumber) > ledger.MaxKeyLength:
		return &ledger.ValidationError{Field: "batch_number", Reason: fmt.Sprintf("must be at most %d characters", ledger.MaxKeyLength)}
	case d.ExpiryDate.IsZero():
		return &ledger.ValidationError{Field: "expiry_date", Reason: "is required"}
	case d.MinStockLevel < 0:
		return &ledger.ValidationError{Field: "min_stock_level", Reason: "must not be negative"}
	case d.MaxStockLevel != 0 && d.MaxStockLevel < d.MinStockLevel:
		return &ledger.ValidationError{Field: "max_stock_level", Reason: "must be at least min_stock_level"}
	case d.UnitPrice.IsNegative():
		return &ledger.ValidationError{Field: "unit_price", Reason: "must not be negative"}
	}
	return nil
}

// AsItem is the core's view of the drug.
func (d Drug) AsItem() ledger.Item {
	return ledger.Item{
		Ref:            ledger.ItemRef(d.ID),
		Name:           d.Name,
		QuantityOnHand: d.Quantity,
		MinStockLevel:  d.MinStockLevel,
		Stale:          d.Stale,
	}
}

func (d Drug) IsLowStock() bool {
	return d.Quantity <= d.MinStockLevel
}

// DaysToExpiry counts whole days from now until the expiry date. Negative
// once expired.
func (d Drug) DaysToExpiry(now time.Time) int {
	today := truncateDay(now)
	return int(truncateDay(d.ExpiryDate).Sub(today).Hours() / 24)
}

// ExpiresWithin reports whether the drug expires in fewer than days days.
// Already expired drugs are included.
func (d Drug) ExpiresWithin(now time.Time, days int) bool {
	return d.DaysToExpiry(now) < days
}

// StockValue is Quantity * UnitPrice.
func (d Drug) StockValue() decimal.Decimal {
	return d.UnitPrice.Mul(decimal.NewFromInt(d.Quantity))
}

// =============================================================================
// QR PAYLOAD
// =============================================================================

// QRPayload is the data encoded in the label's QR code. Rendering the image
// is left to the label printer.
type QRPayload struct {
	Name         string `json:"name"`
	BatchNumber  string `json:"batch_number"`
	Manufacturer string `json:"manufacturer"`
	ExpiryDate   string `json:"expiry_date"`
}

func (d Drug) QRPayload() QRPayload {
	return QRPayload{
		Name:         d.Name,
		BatchNumber:  d.BatchNumber,
		Manufacturer: d.Manufacturer,
		ExpiryDate:   d.ExpiryDate.Format(DateLayout),
	}
}

// DrugUpdate carries metadata changes only. Stock changes go through
// ledger movements.
type DrugUpdate struct {
	Name              *string
	GenericName       *string
	Manufacturer      *string
	Supplier          *string
	MinStockLevel     *int64
	MaxStockLevel     *int64
	UnitPrice         *decimal.Decimal
	ExpiryDate        *time.Time
	StorageConditions *string
}

// Apply returns d with the update applied.
func (u DrugUpdate) Apply(d Drug) Drug {
	if u.Name != nil {
		d.Name = *u.Name
	}
	if u.GenericName != nil {
		d.GenericName = *u.GenericName
	}
	if u.Manufacturer != nil {
		d.Manufacturer = *u.Manufacturer
	}
	if u.Supplier != nil {
		d.Supplier = *u.Supplier
	}
	if u.MinStockLevel != nil {
		d.MinStockLevel = *u.MinStockLevel
	}
	if u.MaxStockLevel != nil {
		d.MaxStockLevel = *u.MaxStockLevel
	}
	if u.UnitPrice != nil {
		d.UnitPrice = *u.UnitPrice
	}
	if u.ExpiryDate != nil {
		d.ExpiryDate = *u.ExpiryDate
	}
	if u.StorageConditions != nil {
		d.StorageConditions = *u.StorageConditions
	}
	return d
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
