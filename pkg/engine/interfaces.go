package engine

// Channel is a storage channel on the network.
type Channel string

const (
	// ChannelItems carries item stacks.
	ChannelItems Channel = "items"

	// ChannelFluids carries fluid stacks.
	ChannelFluids Channel = "fluids"
)

// StorageGrid is the storage backend of the network.
//
// The engine never stores item lists itself; it reports which fingerprints
// changed craftability so dependent stock views can refresh.
type StorageGrid interface {
	// PostAlterationOfStoredItems reports that the given fingerprints changed
	// on channel because of src.
	PostAlterationOfStoredItems(channel Channel, changed []Fingerprint, src ActionSource)

	// RegisterCellProvider adds a virtual inventory to the storage view.
	RegisterCellProvider(p CellProvider)
}

// CellProvider exposes a virtual inventory to the storage backend.
type CellProvider interface {
	// AvailableItems lists the stacks this provider can offer. Craftable
	// stacks carry Craftable=true and a zero quantity.
	AvailableItems() []Stack
}
