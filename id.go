package admission

import "github.com/lessgo/admission/id"

// ID is the primary identifier type for all admission entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
