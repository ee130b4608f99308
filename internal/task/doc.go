// Package task defines the event-sourced data model of the orchestration
// engine: task contexts, the immutable entries that make up their history,
// typed entry payloads, execution plans, user-input requests and templates.
//
// # Entries
//
// An Entry is the unit of truth. A task context is nothing but an ordered,
// gapless list of entries starting at sequence 1 with a task_created entry.
// Everything else (status, merged data, pending user input) is derived by
// replaying that list; see package state.
//
// Each operation carries a typed payload. Payloads are stored as JSON in
// Entry.Data and decoded with Decode, which returns one of the payload types
// in this package or an Opaque payload for operations this version does not
// know about:
//
//	p, err := task.Decode(entry)
//	switch p := p.(type) {
//	case *task.UserResponse:
//	    ...
//	case *task.Opaque:
//	    // written by a newer engine, keep but ignore
//	}
//
// # Errors
//
// The error taxonomy shared by every package lives in errors.go. Callers
// match with errors.Is against the sentinels (ErrValidation, ErrUpstream,
// ErrConcurrencyConflict, ErrStateCorruption, ErrNotFound) and use errors.As
// for the structured variants.
package task
