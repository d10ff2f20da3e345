package pharma

import (
	"time"

	"github.com/shopspring/decimal"
)

// SampleDrugs returns the demo catalog. Expiry dates are relative to now so
// that the demo always shows one drug close to expiry.
//
//	BATCH001  Paracetamol 500mg   150 units, healthy
//	BATCH002  Amoxicillin 250mg     8 units, below minimum and expiring
//	BATCH003  Insulin Glargine     45 units, cold chain
func SampleDrugs(now time.Time) []Drug {
	day := truncateDay(now)
	return []Drug{
		{
			ID:                "drug-paracetamol-500",
			Name:              "Paracetamol 500mg",
			GenericName:       "Paracetamol",
			BatchNumber:       "BATCH001",
			Manufacturer:      "Generic",
			Supplier:          "MediCorp Ltd",
			Quantity:          150,
			MinStockLevel:     20,
			MaxStockLevel:     500,
			UnitPrice:         decimal.RequireFromString("5.99"),
			ExpiryDate:        day.AddDate(1, 6, 0),
			StorageConditions: "Room Temperature",
		},
		{
			ID:                "drug-amoxicillin-250",
			Name:              "Amoxicillin 250mg",
			GenericName:       "Amoxicillin",
			BatchNumber:       "BATCH002",
			Manufacturer:      "PharmaBest",
			Supplier:          "Global Pharma",
			Quantity:          8,
			MinStockLevel:     15,
			MaxStockLevel:     200,
			UnitPrice:         decimal.RequireFromString("12.50"),
			ExpiryDate:        day.AddDate(0, 0, 20),
			StorageConditions: "Room Temperature",
		},
		{
			ID:                "drug-insulin-glargine",
			Name:              "Insulin Glargine",
			GenericName:       "Insulin Glargine",
			BatchNumber:       "BATCH003",
			Manufacturer:      "DiabetCare",
			Supplier:          "BioTech Solutions",
			Quantity:          45,
			MinStockLevel:     10,
			MaxStockLevel:     100,
			UnitPrice:         decimal.RequireFromString("89.99"),
			ExpiryDate:        day.AddDate(0, 8, 0),
			StorageConditions: "2-8°C",
		},
	}
}
