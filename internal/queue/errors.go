package queue

import "errors"

var (
	ErrNoDueEntry    = errors.New("no due entry")
	ErrNotFound      = errors.New("entry not found")
	ErrNotProcessing = errors.New("entry is not processing")
)
