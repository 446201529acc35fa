package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, blob backends and the
// secret store return these (optionally wrapped) so services can translate
// them into domain errors.
//
//   - ErrNotFound: record, grant or secret version does not exist
//   - ErrConflict: a unique key (audit seq, record id) is already taken
//   - ErrInvalidState: a status compare-and-set lost, or the transition is not allowed
//   - ErrUnavailable: the backend is temporarily unreachable; callers may retry
//   - ErrPermanent: the backend rejected the request; retrying will not help
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
	ErrPermanent    = errors.New("permanent failure")
)
