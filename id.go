package foreman

import "github.com/docubuild/foreman/id"

// ID is the primary identifier type for all foreman entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
