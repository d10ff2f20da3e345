package pharma

// Well-known location labels used by initial stock entries.
const (
	SupplierLocation  = "Supplier"
	MainWarehouse     = "Main Warehouse"
	SystemActor       = "System"
	InitialStockNotes = "Initial stock"
)

// Location is a place stock can be moved to or from.
type Location struct {
	ID                   string
	Name                 string
	Type                 string // pharmacy, ward, storage
	TemperatureCondition string
	Capacity             int64
}

// DefaultLocations is the seeded location list.
func DefaultLocations() []Location {
	return []Location{
		{ID: "loc-main-pharmacy", Name: "Main Pharmacy", Type: "pharmacy", TemperatureCondition: "Room Temperature", Capacity: 1000},
		{ID: "loc-emergency-ward", Name: "Emergency Ward", Type: "ward", TemperatureCondition: "Room Temperature", Capacity: 200},
		{ID: "loc-cold-storage", Name: "Cold Storage", Type: "storage", TemperatureCondition: "2-8°C", Capacity: 500},
		{ID: "loc-surgical-ward", Name: "Surgical Ward", Type: "ward", TemperatureCondition: "Room Temperature", Capacity: 150},
	}
}
