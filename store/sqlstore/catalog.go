package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/pharma-ledger/ledger"
	"github.com/warp/pharma-ledger/pharma"
)

// =============================================================================
// CATALOG (ledger.Catalog, ledger.QuantityAdder and ledger.StaleMarker)
// =============================================================================

// GetItem returns nil, nil for an unknown drug.
func (s *Store) GetItem(ctx context.Context, ref ledger.ItemRef) (*ledger.Item, error) {
	var (
		it    ledger.Item
		stale bool
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, quantity, min_stock_level, stale FROM drugs WHERE id = ?", ref,
	).Scan(&it.Ref, &it.Name, &it.QuantityOnHand, &it.MinStockLevel, &stale)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &ledger.PersistenceError{Op: "get item", Err: err}
	}
	it.Stale = stale
	return &it, nil
}

// SetQuantity and AddQuantity are the only statements that write
// drugs.quantity.
func (s *Store) SetQuantity(ctx context.Context, ref ledger.ItemRef, qty int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE drugs SET quantity = ?, updated_at = ? WHERE id = ?",
		qty, formatTime(time.Now()), ref)
	if err != nil {
		return &ledger.PersistenceError{Op: "set quantity", Err: err}
	}
	return requireRow(res, "drug", string(ref))
}

// AddQuantity increments drugs.quantity in the database rather than in
// process memory, so concurrent writers on one database compose.
func (s *Store) AddQuantity(ctx context.Context, ref ledger.ItemRef, delta int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &ledger.PersistenceError{Op: "add quantity", Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE drugs SET quantity = quantity + ?, updated_at = ? WHERE id = ?",
		delta, formatTime(time.Now()), ref)
	if err != nil {
		return 0, &ledger.PersistenceError{Op: "add quantity", Err: err}
	}
	if err := requireRow(res, "drug", string(ref)); err != nil {
		return 0, err
	}

	var qty int64
	if err := tx.QueryRowContext(ctx, "SELECT quantity FROM drugs WHERE id = ?", ref).Scan(&qty); err != nil {
		return 0, &ledger.PersistenceError{Op: "add quantity", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return 0, &ledger.PersistenceError{Op: "add quantity", Err: err}
	}
	return qty, nil
}

func (s *Store) MarkStale(ctx context.Context, ref ledger.ItemRef, stale bool) error {
	_, err := s.db.ExecContext(ctx, "UPDATE drugs SET stale = ? WHERE id = ?", stale, ref)
	if err != nil {
		return &ledger.PersistenceError{Op: "mark stale", Err: err}
	}
	return nil
}

func (s *Store) StaleItems(ctx context.Context) ([]ledger.ItemRef, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM drugs WHERE stale = ? ORDER BY id", true)
	if err != nil {
		return nil, &ledger.PersistenceError{Op: "list stale items", Err: err}
	}
	defer rows.Close()

	var refs []ledger.ItemRef
	for rows.Next() {
		var ref ledger.ItemRef
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// =============================================================================
// DRUG STORE (pharma.Repository)
// =============================================================================

const drugColumns = `id, name, generic_name, batch_number, manufacturer, supplier, quantity,
	min_stock_level, max_stock_level, unit_price, expiry_date, storage_conditions, stale,
	created_at, updated_at`

// CreateDrug inserts d. The quantity column starts at 0 regardless of
// d.Quantity; initial stock is a ledger entry.
func (s *Store) CreateDrug(ctx context.Context, d pharma.Drug) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drugs (`+drugColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.GenericName, d.BatchNumber, d.Manufacturer, d.Supplier,
		d.MinStockLevel, d.MaxStockLevel, d.UnitPrice.StringFixed(2),
		d.ExpiryDate.Format(pharma.DateLayout), d.StorageConditions, false,
		formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
	)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return &ledger.ValidationError{
				Field:  "batch_number",
				Reason: fmt.Sprintf("drug %q or batch %q already exists", d.ID, d.BatchNumber),
			}
		}
		return fmt.Errorf("failed to create drug: %w", err)
	}
	return nil
}

func (s *Store) GetDrug(ctx context.Context, id string) (*pharma.Drug, error) {
	return s.getDrug(ctx, "SELECT "+drugColumns+" FROM drugs WHERE id = ?", id)
}

func (s *Store) GetDrugByBatch(ctx context.Context, batch string) (*pharma.Drug, error) {
	return s.getDrug(ctx, "SELECT "+drugColumns+" FROM drugs WHERE batch_number = ?", batch)
}

func (s *Store) getDrug(ctx context.Context, query string, arg any) (*pharma.Drug, error) {
	drugs, err := s.queryDrugs(ctx, query, arg)
	if err != nil || len(drugs) == 0 {
		return nil, err
	}
	return &drugs[0], nil
}

func (s *Store) ListDrugs(ctx context.Context) ([]pharma.Drug, error) {
	return s.queryDrugs(ctx, "SELECT "+drugColumns+" FROM drugs ORDER BY created_at DESC, name")
}

// UpdateDrug writes metadata. Quantity, stale and batch_number are left alone.
func (s *Store) UpdateDrug(ctx context.Context, d pharma.Drug) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE drugs SET
			name = ?, generic_name = ?, manufacturer = ?, supplier = ?,
			min_stock_level = ?, max_stock_level = ?, unit_price = ?,
			expiry_date = ?, storage_conditions = ?, updated_at = ?
		WHERE id = ?`,
		d.Name, d.GenericName, d.Manufacturer, d.Supplier,
		d.MinStockLevel, d.MaxStockLevel, d.UnitPrice.StringFixed(2),
		d.ExpiryDate.Format(pharma.DateLayout), d.StorageConditions, formatTime(d.UpdatedAt),
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update drug: %w", err)
	}
	return requireRow(res, "drug", d.ID)
}

func (s *Store) queryDrugs(ctx context.Context, query string, args ...any) ([]pharma.Drug, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query drugs: %w", err)
	}
	defer rows.Close()

	drugs := []pharma.Drug{}
	for rows.Next() {
		d, err := scanDrug(rows)
		if err != nil {
			return nil, err
		}
		drugs = append(drugs, d)
	}
	return drugs, rows.Err()
}

func scanDrug(rows *sql.Rows) (pharma.Drug, error) {
	var (
		d                    pharma.Drug
		price                decimal.Decimal
		expiry               string
		createdAt, updatedAt string
	)
	err := rows.Scan(
		&d.ID, &d.Name, &d.GenericName, &d.BatchNumber, &d.Manufacturer, &d.Supplier, &d.Quantity,
		&d.MinStockLevel, &d.MaxStockLevel, &price, &expiry, &d.StorageConditions, &d.Stale,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return d, fmt.Errorf("failed to scan drug: %w", err)
	}
	d.UnitPrice = price
	if d.ExpiryDate, err = time.Parse(pharma.DateLayout, expiry); err != nil {
		return d, fmt.Errorf("drug %s: bad expiry date %q: %w", d.ID, expiry, err)
	}
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return d, nil
}

// =============================================================================
// LOCATION STORE
// =============================================================================

func (s *Store) SaveLocation(ctx context.Context, l pharma.Location) error {
	_, err := s.db.ExecContext(ctx, s.dialect.UpsertLocation(),
		l.ID, l.Name, l.Type, l.TemperatureCondition, l.Capacity)
	if err != nil {
		return fmt.Errorf("failed to save location: %w", err)
	}
	return nil
}

func (s *Store) ListLocations(ctx context.Context) ([]pharma.Location, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, type, temperature_condition, capacity FROM inventory_locations ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to query locations: %w", err)
	}
	defer rows.Close()

	locations := []pharma.Location{}
	for rows.Next() {
		var l pharma.Location
		if err := rows.Scan(&l.ID, &l.Name, &l.Type, &l.TemperatureCondition, &l.Capacity); err != nil {
			return nil, err
		}
		locations = append(locations, l)
	}
	return locations, rows.Err()
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func requireRow(res sql.Result, kind, ref string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.NotFoundError{Kind: kind, Ref: ref}
	}
	return nil
}
