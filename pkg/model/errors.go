package model

import "github.com/m-mizutani/goerr/v2"

var (
	// ErrOrderingViolation is returned when a consumer of the sorted stream
	// observes a timestamp going backwards. It indicates a sorter defect and
	// aborts the run.
	ErrOrderingViolation = goerr.New("message stream is not in timestamp order")

	// ErrLabelConflict is returned when a pseudonym label would be bound to a
	// second raw sender ID. It indicates mapping store corruption.
	ErrLabelConflict = goerr.New("pseudonym label conflict")

	// ErrLabelNotFound is returned by MappingStore.ResolveLabel when the raw
	// sender ID has no label yet.
	ErrLabelNotFound = goerr.New("pseudonym label not found")

	// ErrNuggetNotFound is returned when a nugget ID does not exist in the store.
	ErrNuggetNotFound = goerr.New("knowledge nugget not found")

	ErrInvalidStatus  = goerr.New("invalid nugget status")
	ErrInvalidMessage = goerr.New("invalid message")
)
