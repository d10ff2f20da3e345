/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger and catalog types from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Drugs:
    DrugDTO, CreateDrugRequest, UpdateDrugRequest, DrugStockDTO

  Ledger:
    TransactionDTO, CreateTransactionResponse, VerificationDTO

  Inventory:
    AlertsResponse, SummaryDTO, LocationDTO

MONEY:
  unit_price and total_value are decimal strings ("5.99"), never floats.

VALIDATION:
  Validation is done in the pharma and ledger packages, not in DTOs.
  Stock movements arrive as pharma.MovementRequest directly.

SEE ALSO:
  - handlers.go: Uses these types
  - pharma/movement.go: MovementRequest
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/pharma-ledger/ledger"
	"github.com/warp/pharma-ledger/pharma"
)

// =============================================================================
// DRUGS
// =============================================================================

// DrugDTO represents a drug in API responses.
type DrugDTO struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	GenericName       string          `json:"generic_name"`
	BatchNumber       string          `json:"batch_number"`
	Manufacturer      string          `json:"manufacturer"`
	Supplier          string          `json:"supplier"`
	Quantity          int64           `json:"quantity"`
	MinStockLevel     int64           `json:"min_stock_level"`
	MaxStockLevel     int64           `json:"max_stock_level"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	ExpiryDate        string          `json:"expiry_date"`
	StorageConditions string          `json:"storage_conditions"`
	Stale             bool            `json:"stale"`
	LowStock          bool            `json:"low_stock"`
	CreatedAt         string          `json:"created_at"`
	UpdatedAt         string          `json:"updated_at"`
}

// CreateDrugRequest is the body of POST /api/drugs. Quantity is the
// initial stock, recorded as the first ledger entry of the batch.
type CreateDrugRequest struct {
	ID                string          `json:"id,omitempty"`
	Name              string          `json:"name"`
	GenericName       string          `json:"generic_name"`
	BatchNumber       string          `json:"batch_number"`
	Manufacturer      string          `json:"manufacturer"`
	Supplier          string          `json:"supplier"`
	Quantity          int64           `json:"quantity"`
	MinStockLevel     int64           `json:"min_stock_level"`
	MaxStockLevel     int64           `json:"max_stock_level"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	ExpiryDate        string          `json:"expiry_date"`
	StorageConditions string          `json:"storage_conditions"`
}

// UpdateDrugRequest is the body of PUT /api/drugs/{id}. Absent fields are
// left unchanged; there is no quantity field.
type UpdateDrugRequest struct {
	Name              *string          `json:"name"`
	GenericName       *string          `json:"generic_name"`
	Manufacturer      *string          `json:"manufacturer"`
	Supplier          *string          `json:"supplier"`
	MinStockLevel     *int64           `json:"min_stock_level"`
	MaxStockLevel     *int64           `json:"max_stock_level"`
	UnitPrice         *decimal.Decimal `json:"unit_price"`
	ExpiryDate        *string          `json:"expiry_date"`
	StorageConditions *string          `json:"storage_conditions"`
}

type CreateDrugResponse struct {
	Message string  `json:"message"`
	Drug    DrugDTO `json:"drug"`
}

type UpdateDrugResponse struct {
	Message     string  `json:"message"`
	UpdatedDrug DrugDTO `json:"updatedDrug"`
}

type LocationStockDTO struct {
	Location string `json:"location"`
	Quantity int64  `json:"quantity"`
}

type DrugStockDTO struct {
	DrugID     string             `json:"drug_id"`
	Quantity   int64              `json:"quantity"`
	Stale      bool               `json:"stale"`
	Locations  []LocationStockDTO `json:"locations"`
	LowStock   bool               `json:"low_stock"`
	MinStock   int64              `json:"min_stock_level"`
	ExpiryDays int                `json:"days_to_expiry"`
}

type RebuildResponse struct {
	DrugID   string `json:"drug_id"`
	Quantity int64  `json:"quantity"`
	Stale    bool   `json:"stale"`
}

// =============================================================================
// LEDGER
// =============================================================================

// TransactionDTO is one ledger entry.
type TransactionDTO struct {
	ID              int64  `json:"id"`
	BatchNumber     string `json:"batch_number"`
	DrugID          string `json:"drug_id"`
	TransactionType string `json:"transaction_type"`
	Quantity        int64  `json:"quantity"`
	FromLocation    string `json:"from_location"`
	ToLocation      string `json:"to_location"`
	PerformedBy     string `json:"performed_by"`
	Notes           string `json:"notes"`
	PreviousHash    string `json:"previous_hash"`
	CurrentHash     string `json:"current_hash"`
	Timestamp       string `json:"timestamp"`
}

type CreateTransactionResponse struct {
	Message       string `json:"message"`
	TransactionID int64  `json:"transactionId"`
	PreviousHash  string `json:"previousHash"`
	CurrentHash   string `json:"currentHash"`
	Timestamp     string `json:"timestamp"`
}

// VerificationDTO wraps a report with the error summary when invalid.
type VerificationDTO struct {
	ledger.VerificationReport
	Error string `json:"error,omitempty"`
}

type VerifyAllResponse struct {
	IsValid    bool              `json:"isValid"`
	Partitions int               `json:"partitions"`
	Reports    []VerificationDTO `json:"reports"`
}

// =============================================================================
// INVENTORY
// =============================================================================

type AlertDTO struct {
	Drug         DrugDTO `json:"drug"`
	DaysToExpiry int     `json:"days_to_expiry"`
	Shortfall    int64   `json:"shortfall,omitempty"`
}

type AlertsResponse struct {
	LowStock     []AlertDTO `json:"low_stock"`
	ExpiringSoon []AlertDTO `json:"expiring_soon"`
}

type SummaryDTO struct {
	TotalDrugs    int             `json:"total_drugs"`
	TotalItems    int64           `json:"total_items"`
	LowStockItems int             `json:"low_stock_items"`
	ExpiringSoon  int             `json:"expiring_soon"`
	StaleItems    int             `json:"stale_items"`
	TotalValue    decimal.Decimal `json:"total_value"`
}

type LocationDTO struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	Type                 string `json:"type"`
	TemperatureCondition string `json:"temperature_condition"`
	Capacity             int64  `json:"capacity"`
}

type SeedResponse struct {
	Locations    int `json:"locations"`
	DrugsCreated int `json:"drugs_created"`
	DrugsSkipped int `json:"drugs_skipped"`
}

type RebuildStaleResponse struct {
	Rebuilt []string `json:"rebuilt"`
	Error   string   `json:"error,omitempty"`
}

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toDrugDTO(d pharma.Drug) DrugDTO {
	return DrugDTO{
		ID:                d.ID,
		Name:              d.Name,
		GenericName:       d.GenericName,
		BatchNumber:       d.BatchNumber,
		Manufacturer:      d.Manufacturer,
		Supplier:          d.Supplier,
		Quantity:          d.Quantity,
		MinStockLevel:     d.MinStockLevel,
		MaxStockLevel:     d.MaxStockLevel,
		UnitPrice:         d.UnitPrice,
		ExpiryDate:        d.ExpiryDate.Format(pharma.DateLayout),
		StorageConditions: d.StorageConditions,
		Stale:             d.Stale,
		LowStock:          d.IsLowStock(),
		CreatedAt:         d.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         d.UpdatedAt.Format(time.RFC3339),
	}
}

func toDrugDTOs(drugs []pharma.Drug) []DrugDTO {
	dtos := make([]DrugDTO, len(drugs))
	for i, d := range drugs {
		dtos[i] = toDrugDTO(d)
	}
	return dtos
}

func toTransactionDTO(e ledger.Entry) TransactionDTO {
	return TransactionDTO{
		ID:              int64(e.ID),
		BatchNumber:     string(e.PartitionKey),
		DrugID:          string(e.ItemRef),
		TransactionType: string(e.Kind),
		Quantity:        e.Quantity,
		FromLocation:    e.SourceLocation,
		ToLocation:      e.DestLocation,
		PerformedBy:     string(e.ActorRef),
		Notes:           e.Notes,
		PreviousHash:    e.PreviousHash,
		CurrentHash:     e.CurrentHash,
		Timestamp:       e.TimestampString(),
	}
}

func toTransactionDTOs(entries []ledger.Entry) []TransactionDTO {
	dtos := make([]TransactionDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toTransactionDTO(e)
	}
	return dtos
}

func toVerificationDTO(r ledger.VerificationReport) VerificationDTO {
	dto := VerificationDTO{VerificationReport: r}
	if err := r.Err(); err != nil {
		dto.Error = err.Error()
	}
	if dto.PerEntry == nil {
		dto.PerEntry = []ledger.EntryVerification{}
	}
	return dto
}

func toAlertDTOs(alerts []pharma.Alert) []AlertDTO {
	dtos := make([]AlertDTO, len(alerts))
	for i, a := range alerts {
		dtos[i] = AlertDTO{Drug: toDrugDTO(a.Drug), DaysToExpiry: a.DaysToExpiry, Shortfall: a.ShortfallQty}
	}
	return dtos
}

func (r CreateDrugRequest) toDrug() (pharma.Drug, error) {
	expiry, err := parseDate("expiry_date", r.ExpiryDate)
	if err != nil {
		return pharma.Drug{}, err
	}
	return pharma.Drug{
		ID:                r.ID,
		Name:              r.Name,
		GenericName:       r.GenericName,
		BatchNumber:       r.BatchNumber,
		Manufacturer:      r.Manufacturer,
		Supplier:          r.Supplier,
		Quantity:          r.Quantity,
		MinStockLevel:     r.MinStockLevel,
		MaxStockLevel:     r.MaxStockLevel,
		UnitPrice:         r.UnitPrice,
		ExpiryDate:        expiry,
		StorageConditions: r.StorageConditions,
	}, nil
}

func (r UpdateDrugRequest) toUpdate() (pharma.DrugUpdate, error) {
	u := pharma.DrugUpdate{
		Name:              r.Name,
		GenericName:       r.GenericName,
		Manufacturer:      r.Manufacturer,
		Supplier:          r.Supplier,
		MinStockLevel:     r.MinStockLevel,
		MaxStockLevel:     r.MaxStockLevel,
		UnitPrice:         r.UnitPrice,
		StorageConditions: r.StorageConditions,
	}
	if r.ExpiryDate != nil {
		expiry, err := parseDate("expiry_date", *r.ExpiryDate)
		if err != nil {
			return u, err
		}
		u.ExpiryDate = &expiry
	}
	return u, nil
}

// parseDate accepts "2006-01-02" or a full RFC 3339 timestamp.
func parseDate(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, &ledger.ValidationError{Field: field, Reason: "is required"}
	}
	if t, err := time.Parse(pharma.DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &ledger.ValidationError{Field: field, Reason: "use YYYY-MM-DD"}
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
}
