package pharma

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/pharma-ledger/ledger"
)

var jan15 = time.Date(2025, time.January, 15, 9, 30, 0, 0, time.UTC)

func amoxicillin() Drug {
	return Drug{
		ID:            "drug-2",
		Name:          "Amoxicillin 250mg",
		BatchNumber:   "BATCH002",
		Manufacturer:  "PharmaBest",
		Supplier:      "Global Pharma",
		Quantity:      8,
		MinStockLevel: 15,
		MaxStockLevel: 200,
		UnitPrice:     decimal.RequireFromString("12.50"),
		ExpiryDate:    time.Date(2025, time.February, 4, 0, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// DRUG
// =============================================================================

func TestDrug_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Drug)
		field  string
	}{
		{"missing name", func(d *Drug) { d.Name = "  " }, "name"},
		{"missing batch", func(d *Drug) { d.BatchNumber = "" }, "batch_number"},
		{"missing expiry", func(d *Drug) { d.ExpiryDate = time.Time{} }, "expiry_date"},
		{"negative minimum", func(d *Drug) { d.MinStockLevel = -1 }, "min_stock_level"},
		{"max below min", func(d *Drug) { d.MaxStockLevel = 10 }, "max_stock_level"},
		{"negative price", func(d *Drug) { d.UnitPrice = decimal.NewFromInt(-1) }, "unit_price"},
		{"line break in name", func(d *Drug) { d.Name = "Aspirin\r\nBcc: attacker@evil.example" }, "name"},
		{"control char in batch", func(d *Drug) { d.BatchNumber = "BATCH\x00002" }, "batch_number"},
		{"long name", func(d *Drug) { d.Name = strings.Repeat("x", ledger.MaxFieldLength+1) }, "name"},
		{"long batch", func(d *Drug) { d.BatchNumber = strings.Repeat("B", ledger.MaxKeyLength+1) }, "batch_number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := amoxicillin()
			tt.mutate(&d)

			var ve *ledger.ValidationError
			require.ErrorAs(t, d.Validate(), &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	assert.NoError(t, amoxicillin().Validate())
}

func TestDrug_StockRules(t *testing.T) {
	d := amoxicillin()

	assert.True(t, d.IsLowStock())
	d.Quantity = 15
	assert.True(t, d.IsLowStock(), "at the minimum counts as low")
	d.Quantity = 16
	assert.False(t, d.IsLowStock())

	assert.Equal(t, "200", d.StockValue().String())
}

func TestDrug_Expiry(t *testing.T) {
	d := amoxicillin()

	// 15 Jan 09:30 to 4 Feb is 20 calendar days.
	assert.Equal(t, 20, d.DaysToExpiry(jan15))
	assert.True(t, d.ExpiresWithin(jan15, 30))
	assert.False(t, d.ExpiresWithin(jan15, 20))

	expired := jan15.AddDate(0, 1, 0)
	assert.Negative(t, d.DaysToExpiry(expired))
	assert.True(t, d.ExpiresWithin(expired, 30))
}

func TestDrug_QRPayload(t *testing.T) {
	raw, err := json.Marshal(amoxicillin().QRPayload())
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"name":"Amoxicillin 250mg","batch_number":"BATCH002","manufacturer":"PharmaBest","expiry_date":"2025-02-04"}`,
		string(raw))
}

func TestDrugUpdate_Apply(t *testing.T) {
	name := "Amoxicillin 500mg"
	minLevel := int64(25)
	d := DrugUpdate{Name: &name, MinStockLevel: &minLevel}.Apply(amoxicillin())

	assert.Equal(t, "Amoxicillin 500mg", d.Name)
	assert.Equal(t, int64(25), d.MinStockLevel)
	assert.Equal(t, "PharmaBest", d.Manufacturer)
	assert.Equal(t, int64(8), d.Quantity)
}

// =============================================================================
// ALERTS AND SUMMARY
// =============================================================================

func TestAlertsAndSummary(t *testing.T) {
	drugs := SampleDrugs(jan15)
	drugs[0].Quantity, drugs[1].Quantity, drugs[2].Quantity = 150, 8, 45
	drugs[2].Stale = true

	low, expiring := Alerts(drugs, jan15, DefaultExpiryWindowDays)

	require.Len(t, low, 1)
	assert.Equal(t, "BATCH002", low[0].Drug.BatchNumber)
	assert.Equal(t, int64(7), low[0].ShortfallQty)
	require.Len(t, expiring, 1)
	assert.Equal(t, 20, expiring[0].DaysToExpiry)

	s := Summarize(drugs, jan15, DefaultExpiryWindowDays)
	assert.Equal(t, 3, s.TotalDrugs)
	assert.Equal(t, int64(203), s.TotalItems)
	assert.Equal(t, 1, s.LowStockItems)
	assert.Equal(t, 1, s.ExpiringSoon)
	assert.Equal(t, 1, s.StaleItems)
	// 150*5.99 + 8*12.50 + 45*89.99
	assert.Equal(t, "5048.05", s.TotalValue.StringFixed(2))
}

// =============================================================================
// MOVEMENT REQUESTS
// =============================================================================

func request(kind, qty string) MovementRequest {
	return MovementRequest{
		DrugID:          "drug-2",
		TransactionType: kind,
		Quantity:        json.RawMessage(qty),
		FromLocation:    "Main Pharmacy",
		ToLocation:      "Emergency Ward",
		PerformedBy:     "nurse-1",
	}
}

func TestMovementRequest_ToCandidate(t *testing.T) {
	c, err := request("OUT", `"5"`).ToCandidate(amoxicillin())
	require.NoError(t, err)

	assert.Equal(t, ledger.Candidate{
		PartitionKey:   "BATCH002",
		ItemRef:        "drug-2",
		Kind:           ledger.KindOut,
		Quantity:       5,
		SourceLocation: "Main Pharmacy",
		DestLocation:   "Emergency Ward",
		ActorRef:       "nurse-1",
	}, c)
}

func TestMovementRequest_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*MovementRequest)
		field  string
	}{
		{"unknown kind", func(r *MovementRequest) { r.TransactionType = "borrow" }, "kind"},
		{"wrong batch", func(r *MovementRequest) { r.BatchNumber = "BATCH001" }, "batch_number"},
		{"in without destination", func(r *MovementRequest) {
			r.TransactionType = "in"
			r.ToLocation = ""
		}, "to_location"},
		{"out without source", func(r *MovementRequest) { r.FromLocation = " " }, "from_location"},
		{"transfer without source", func(r *MovementRequest) {
			r.TransactionType = "transfer"
			r.FromLocation = ""
		}, "location"},
		{"no actor", func(r *MovementRequest) { r.PerformedBy = "" }, "performed_by"},
		{"missing quantity", func(r *MovementRequest) { r.Quantity = nil }, "quantity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := request("out", "5")
			tt.mutate(&r)

			_, err := r.ToCandidate(amoxicillin())

			var ve *ledger.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestParseQuantity(t *testing.T) {
	tests := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{`150`, 150, false},
		{`"150"`, 150, false},
		{`" 7 "`, 7, false},
		{`1e2`, 100, false},
		{`150.0`, 150, false},
		{`0`, 0, true},
		{`-3`, 0, true},
		{`2.5`, 0, true},
		{`"abc"`, 0, true},
		{`null`, 0, true},
		{`1e30`, 0, true},
		{`99999999999999999999`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseQuantity(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.True(t, ledger.IsClientError(err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStockByLocation(t *testing.T) {
	entries := []ledger.Entry{
		{Kind: ledger.KindIn, Quantity: 150, SourceLocation: "Supplier", DestLocation: "Main Warehouse"},
		{Kind: ledger.KindTransfer, Quantity: 50, SourceLocation: "Main Warehouse", DestLocation: "Main Pharmacy"},
		{Kind: ledger.KindOut, Quantity: 20, SourceLocation: "Main Pharmacy", DestLocation: "Emergency Ward"},
		{Kind: ledger.KindTransfer, Quantity: 30, SourceLocation: "Main Pharmacy", DestLocation: "Cold Storage"},
	}

	assert.Equal(t, []LocationStock{
		{Location: "Cold Storage", Quantity: 30},
		{Location: "Main Warehouse", Quantity: 100},
	}, StockByLocation(entries))
}
