package storage

import "renderq/internal/ports"

// Provider is the snapshot store used by the dispatcher and render children.
type Provider = ports.StorageProvider
