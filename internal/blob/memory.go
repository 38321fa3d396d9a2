package blob

import (
	memorystore "fcreport/internal/infra/blob/memory"
)

// NewMemory returns an in-memory blob.Store suitable for tests and dry runs.
func NewMemory() Store { return memorystore.New() }
