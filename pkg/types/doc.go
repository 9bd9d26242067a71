// Package types defines the Collection, Record, RefList and View interfaces,
// the class declaration surface, patches, identifiers, and the standard error
// values for the entitygraph store.
//
// Implementations live in internal/store; callers obtain them through
// pkg/store.
package types
