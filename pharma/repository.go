package pharma

import (
	"context"

	"github.com/warp/pharma-ledger/ledger"
)

// Repository is the drug catalog. It doubles as the ledger's Catalog
// collaborator: GetItem/SetQuantity expose the quantity cache to the core.
//
// UpdateDrug never touches Quantity; only the Projector (via SetQuantity)
// writes it.
type Repository interface {
	ledger.Catalog

	// CreateDrug inserts d with Quantity 0. A duplicate batch number is a
	// *ledger.ValidationError.
	CreateDrug(ctx context.Context, d Drug) error
	GetDrug(ctx context.Context, id string) (*Drug, error)
	GetDrugByBatch(ctx context.Context, batch string) (*Drug, error)
	ListDrugs(ctx context.Context) ([]Drug, error)
	UpdateDrug(ctx context.Context, d Drug) error

	ListLocations(ctx context.Context) ([]Location, error)
	SaveLocation(ctx context.Context, l Location) error
}
