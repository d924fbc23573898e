package store

import "errors"

// ErrDuplicateOrdinal is returned when inserting a snapshot whose ordinal
// is already indexed.
var ErrDuplicateOrdinal = errors.New("snapshot ordinal already indexed")
