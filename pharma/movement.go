package pharma

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/warp/pharma-ledger/ledger"
)

// =============================================================================
// MOVEMENT REQUEST - Untyped boundary input
// =============================================================================

// MovementRequest is a stock movement as it arrives from a client: loosely
// typed, possibly incomplete. ToCandidate is the only way it reaches the
// ledger.
type MovementRequest struct {
	DrugID          string          `json:"drug_id"`
	BatchNumber     string          `json:"batch_number,omitempty"`
	TransactionType string          `json:"transaction_type"`
	Quantity        json.RawMessage `json:"quantity"`
	FromLocation    string          `json:"from_location"`
	ToLocation      string          `json:"to_location"`
	PerformedBy     string          `json:"performed_by"`
	Notes           string          `json:"notes,omitempty"`
}

// ToCandidate validates the request against drug and builds a typed
// candidate. The partition defaults to the drug's batch number; an explicit
// batch must match it.
func (r MovementRequest) ToCandidate(drug Drug) (ledger.Candidate, error) {
	kind, err := ledger.ParseKind(r.TransactionType)
	if err != nil {
		return ledger.Candidate{}, err
	}
	qty, err := parseQuantity(r.Quantity)
	if err != nil {
		return ledger.Candidate{}, err
	}

	batch := strings.TrimSpace(r.BatchNumber)
	if batch == "" {
		batch = drug.BatchNumber
	}
	if batch != drug.BatchNumber {
		return ledger.Candidate{}, &ledger.ValidationError{
			Field:  "batch_number",
			Reason: fmt.Sprintf("drug %s belongs to batch %q, not %q", drug.ID, drug.BatchNumber, batch),
		}
	}

	from, to := strings.TrimSpace(r.FromLocation), strings.TrimSpace(r.ToLocation)
	switch kind {
	case ledger.KindIn:
		if to == "" {
			return ledger.Candidate{}, &ledger.ValidationError{Field: "to_location", Reason: "is required for in"}
		}
	case ledger.KindOut:
		if from == "" {
			return ledger.Candidate{}, &ledger.ValidationError{Field: "from_location", Reason: "is required for out"}
		}
	case ledger.KindTransfer:
		if from == "" || to == "" {
			return ledger.Candidate{}, &ledger.ValidationError{Field: "location", Reason: "transfer needs from_location and to_location"}
		}
	}

	actor := strings.TrimSpace(r.PerformedBy)
	if actor == "" {
		return ledger.Candidate{}, &ledger.ValidationError{Field: "performed_by", Reason: "is required"}
	}

	return ledger.Candidate{
		PartitionKey:   ledger.PartitionKey(batch),
		ItemRef:        ledger.ItemRef(drug.ID),
		Kind:           kind,
		Quantity:       qty,
		SourceLocation: from,
		DestLocation:   to,
		ActorRef:       ledger.ActorRef(actor),
		Notes:          r.Notes,
	}, nil
}

// parseQuantity accepts a JSON number or a numeric string. Fractions,
// non-positive values and overflow are rejected.
func parseQuantity(raw json.RawMessage) (int64, error) {
	bad := func(reason string) error {
		return &ledger.ValidationError{Field: "quantity", Reason: reason}
	}
	if len(raw) == 0 || string(raw) == "null" {
		return 0, bad("is required")
	}

	text := string(raw)
	var s string
	if json.Unmarshal(raw, &s) == nil {
		text = strings.TrimSpace(s)
	}

	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(text, 64)
		switch {
		case ferr != nil && !errors.Is(ferr, strconv.ErrRange):
			return 0, bad(fmt.Sprintf("%s is not a number", text))
		case ferr != nil || math.Abs(f) >= math.MaxInt64:
			return 0, bad(fmt.Sprintf("%s is out of range", text))
		case f != math.Trunc(f):
			return 0, bad(fmt.Sprintf("must be a whole number, got %s", text))
		}
		n = int64(f) // e.g. 1e2 or 150.0
	}
	if n <= 0 {
		return 0, bad(fmt.Sprintf("must be positive, got %d", n))
	}
	return n, nil
}

// =============================================================================
// STOCK BY LOCATION
// =============================================================================

type LocationStock struct {
	Location string
	Quantity int64
}

// StockByLocation folds entries into per-location quantities. Locations that
// net to zero are dropped; the result is sorted by location.
func StockByLocation(entries []ledger.Entry) []LocationStock {
	totals := make(map[string]int64)
	for _, e := range entries {
		for loc, delta := range e.Legs() {
			totals[loc] += delta
		}
	}

	out := make([]LocationStock, 0, len(totals))
	for loc, qty := range totals {
		if qty != 0 {
			out = append(out, LocationStock{Location: loc, Quantity: qty})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Location < out[j].Location })
	return out
}
