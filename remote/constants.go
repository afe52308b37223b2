package remote

// GATT identifiers of the remote-control service on the target device. The
// command characteristic accepts the encoded wireCommand record.
const (
	DefaultServiceUUID        = "f5b7a2d0-5b8c-4c5e-9b2a-6a1f3c7d9e01"
	DefaultCharacteristicUUID = "f5b7a2d1-5b8c-4c5e-9b2a-6a1f3c7d9e01"
)
