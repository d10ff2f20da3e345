/*
service.go - Inventory use cases

PURPOSE:
  Service is what the HTTP API and the CLI call. It owns no state of its own:
  the catalog lives in the Repository, the history in the ledger Store, and
  every stock change goes through the ledger Builder.

STOCK FLOW:
  CreateDrug(quantity=150)
    -> Repository.CreateDrug(quantity=0)
    -> Builder.Append(in 150, Supplier -> Main Warehouse, "Initial stock")
    -> Projector sets quantity=150

  RecordMovement(untyped request)
    -> MovementRequest.ToCandidate (ValidationError at the boundary)
    -> Builder.Append

  The catalog quantity therefore always equals the ledger fold, from the
  first entry on.
*/
package pharma

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/pharma-ledger/ledger"
)

const (
	DefaultRecentLimit = 100
	MaxRecentLimit     = 1000
)

type Service struct {
	repo       Repository
	store      ledger.Store
	builder    *ledger.Builder
	verifier   *ledger.Verifier
	clock      ledger.Clock
	expiryDays int
	logger     *slog.Logger
}

type ServiceOption func(*Service)

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

func WithClock(c ledger.Clock) ServiceOption {
	return func(s *Service) { s.clock = c }
}

// WithExpiryWindow sets how many days ahead "expiring soon" looks.
func WithExpiryWindow(days int) ServiceOption {
	return func(s *Service) { s.expiryDays = days }
}

func NewService(repo Repository, store ledger.Store, builder *ledger.Builder, opts ...ServiceOption) *Service {
	s := &Service{
		repo:       repo,
		store:      store,
		builder:    builder,
		clock:      ledger.SystemClock,
		expiryDays: DefaultExpiryWindowDays,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.verifier = ledger.NewVerifier(store, s.logger)
	return s
}

// Projector exposes the projector fed by the builder.
func (s *Service) Projector() *ledger.Projector { return s.builder.Projector() }

// Now is the service clock, used for expiry arithmetic.
func (s *Service) Now() time.Time { return s.clock.Now() }

// =============================================================================
// CATALOG
// =============================================================================

// CreateDrug registers a drug and records d.Quantity as its initial stock.
// If the initial entry fails the drug still exists with zero stock and the
// error is returned alongside it.
func (s *Service) CreateDrug(ctx context.Context, d Drug) (Drug, error) {
	if err := d.Validate(); err != nil {
		return Drug{}, err
	}
	if d.Quantity < 0 {
		return Drug{}, &ledger.ValidationError{Field: "quantity", Reason: "must not be negative"}
	}
	if strings.TrimSpace(d.ID) == "" {
		d.ID = uuid.NewString()
	}

	initial := d.Quantity
	now := s.clock.Now().UTC()
	d.Quantity = 0
	d.CreatedAt, d.UpdatedAt = now, now

	if err := s.repo.CreateDrug(ctx, d); err != nil {
		return Drug{}, fmt.Errorf("create drug: %w", err)
	}
	s.logger.Info("drug created", "item", d.ID, "partition", d.BatchNumber, "initial_quantity", initial)

	if initial > 0 {
		_, err := s.builder.Append(ctx, ledger.Candidate{
			PartitionKey:   ledger.PartitionKey(d.BatchNumber),
			ItemRef:        ledger.ItemRef(d.ID),
			Kind:           ledger.KindIn,
			Quantity:       initial,
			SourceLocation: SupplierLocation,
			DestLocation:   MainWarehouse,
			ActorRef:       SystemActor,
			Notes:          InitialStockNotes,
		})
		if err != nil {
			return d, fmt.Errorf("record initial stock: %w", err)
		}
	}
	return s.GetDrug(ctx, d.ID)
}

func (s *Service) GetDrug(ctx context.Context, id string) (Drug, error) {
	d, err := s.repo.GetDrug(ctx, id)
	if err != nil {
		return Drug{}, fmt.Errorf("get drug: %w", err)
	}
	if d == nil {
		return Drug{}, &ledger.NotFoundError{Kind: "drug", Ref: id}
	}
	return *d, nil
}

func (s *Service) ListDrugs(ctx context.Context) ([]Drug, error) {
	drugs, err := s.repo.ListDrugs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list drugs: %w", err)
	}
	return drugs, nil
}

// UpdateDrug changes catalog metadata. Quantity and batch are not editable.
func (s *Service) UpdateDrug(ctx context.Context, id string, u DrugUpdate) (Drug, error) {
	d, err := s.GetDrug(ctx, id)
	if err != nil {
		return Drug{}, err
	}
	updated := u.Apply(d)
	if err := updated.Validate(); err != nil {
		return Drug{}, err
	}
	updated.UpdatedAt = s.clock.Now().UTC()
	if err := s.repo.UpdateDrug(ctx, updated); err != nil {
		return Drug{}, fmt.Errorf("update drug: %w", err)
	}
	return s.GetDrug(ctx, id)
}

func (s *Service) Locations(ctx context.Context) ([]Location, error) {
	return s.repo.ListLocations(ctx)
}

// =============================================================================
// MOVEMENTS
// =============================================================================

// RecordMovement converts an untyped request and appends it to the drug's
// batch chain.
func (s *Service) RecordMovement(ctx context.Context, req MovementRequest) (ledger.Entry, error) {
	if strings.TrimSpace(req.DrugID) == "" {
		return ledger.Entry{}, &ledger.ValidationError{Field: "drug_id", Reason: "is required"}
	}
	d, err := s.GetDrug(ctx, req.DrugID)
	if err != nil {
		return ledger.Entry{}, err
	}
	c, err := req.ToCandidate(d)
	if err != nil {
		return ledger.Entry{}, err
	}
	return s.builder.Append(ctx, c)
}

// RecentEntries returns the newest entries across all batches.
func (s *Service) RecentEntries(ctx context.Context, limit int) ([]ledger.Entry, error) {
	switch {
	case limit <= 0:
		limit = DefaultRecentLimit
	case limit > MaxRecentLimit:
		limit = MaxRecentLimit
	}
	return s.store.Recent(ctx, limit)
}

func (s *Service) DrugHistory(ctx context.Context, id string) ([]ledger.Entry, error) {
	if _, err := s.GetDrug(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ByItem(ctx, ledger.ItemRef(id))
}

func (s *Service) BatchHistory(ctx context.Context, batch string) ([]ledger.Entry, error) {
	return s.store.AllOf(ctx, ledger.PartitionKey(batch))
}

// DrugStock is a drug's cached total plus the per-location breakdown
// folded from its history.
type DrugStock struct {
	Drug       Drug
	Projection ledger.Projection
	Locations  []LocationStock
}

func (s *Service) DrugStock(ctx context.Context, id string) (DrugStock, error) {
	d, err := s.GetDrug(ctx, id)
	if err != nil {
		return DrugStock{}, err
	}
	proj, err := s.Projector().Quantity(ctx, ledger.ItemRef(id))
	if err != nil {
		return DrugStock{}, err
	}
	entries, err := s.store.ByItem(ctx, ledger.ItemRef(id))
	if err != nil {
		return DrugStock{}, fmt.Errorf("drug history: %w", err)
	}
	return DrugStock{Drug: d, Projection: proj, Locations: StockByLocation(entries)}, nil
}

// =============================================================================
// INTEGRITY AND PROJECTION
// =============================================================================

func (s *Service) VerifyBatch(ctx context.Context, batch string) (ledger.VerificationReport, error) {
	return s.verifier.Verify(ctx, ledger.PartitionKey(batch))
}

func (s *Service) VerifyAll(ctx context.Context) ([]ledger.VerificationReport, error) {
	return s.verifier.VerifyAll(ctx)
}

// RebuildDrug recomputes one drug's quantity from the ledger.
func (s *Service) RebuildDrug(ctx context.Context, id string) (ledger.Projection, error) {
	if _, err := s.GetDrug(ctx, id); err != nil {
		return ledger.Projection{}, err
	}
	if _, err := s.Projector().Rebuild(ctx, ledger.ItemRef(id)); err != nil {
		return ledger.Projection{}, err
	}
	return s.Projector().Quantity(ctx, ledger.ItemRef(id))
}

func (s *Service) RebuildStale(ctx context.Context) ([]ledger.ItemRef, error) {
	return s.Projector().RebuildStale(ctx)
}

// =============================================================================
// ALERTS AND SUMMARY
// =============================================================================

func (s *Service) Alerts(ctx context.Context) (low, expiring []Alert, err error) {
	drugs, err := s.ListDrugs(ctx)
	if err != nil {
		return nil, nil, err
	}
	low, expiring = Alerts(drugs, s.clock.Now(), s.expiryDays)
	return low, expiring, nil
}

func (s *Service) Summary(ctx context.Context) (Summary, error) {
	drugs, err := s.ListDrugs(ctx)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(drugs, s.clock.Now(), s.expiryDays), nil
}

// =============================================================================
// SEED
// =============================================================================

type SeedResult struct {
	Locations    int
	DrugsCreated int
	DrugsSkipped int
}

// Seed loads the default locations and sample drugs. Drugs whose batch
// already exists are skipped, so running it twice changes nothing.
func (s *Service) Seed(ctx context.Context) (SeedResult, error) {
	var res SeedResult
	for _, l := range DefaultLocations() {
		if err := s.repo.SaveLocation(ctx, l); err != nil {
			return res, fmt.Errorf("seed location %s: %w", l.Name, err)
		}
		res.Locations++
	}

	for _, d := range SampleDrugs(s.clock.Now()) {
		existing, err := s.repo.GetDrugByBatch(ctx, d.BatchNumber)
		if err != nil {
			return res, fmt.Errorf("seed lookup %s: %w", d.BatchNumber, err)
		}
		if existing != nil {
			res.DrugsSkipped++
			continue
		}
		if _, err := s.CreateDrug(ctx, d); err != nil {
			return res, fmt.Errorf("seed drug %s: %w", d.BatchNumber, err)
		}
		res.DrugsCreated++
	}

	s.logger.Info("seed complete", "locations", res.Locations, "created", res.DrugsCreated, "skipped", res.DrugsSkipped)
	return res, nil
}
