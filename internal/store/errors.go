package store

import "errors"

// ErrQueryUnsupported is reported when the backend cannot serve a query
// shape, e.g. the filtered+ordered chat query on a deployment that has not
// applied the composite index migration. Callers degrade to the unordered
// query and sort client-side.
var ErrQueryUnsupported = errors.New("query shape not supported by this deployment")

// ErrNotFound is returned for lookups of rows that do not exist.
var ErrNotFound = errors.New("not found")
