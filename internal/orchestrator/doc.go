// Package orchestrator drives task contexts through their execution plans.
//
// The Engine never keeps task state of its own. Every operation reads the
// history from the store, folds it with state.Compute and decides the next
// step from the result, so a process restart between any two appends is
// safe. A task pauses when an agent needs user input and resumes once every
// raised request has a response or an explicit skip.
//
// Within one process a keyed lock serialises writers per context. Writers in
// other processes are arbitrated by the store's sequence check; the losing
// writer receives a ConflictError and must reload.
package orchestrator
