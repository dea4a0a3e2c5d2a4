package procmem

import "errors"

// Sentinel errors matching the error kinds of spec §7. ProcessNotFound
// and AccessDenied are fatal at bind time; ReadFailure conditions are
// returned as plain wrapped errors and are meant to be absorbed by
// callers such as ptrindex.Build.
var (
	ErrProcessNotFound = errors.New("procmem: process not found")
	ErrAccessDenied    = errors.New("procmem: access denied")
)
