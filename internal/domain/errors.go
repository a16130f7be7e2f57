package domain

import "errors"

var (
	// ErrNotFound is returned for ids the addressed store does not know.
	ErrNotFound = errors.New("not found")
	// ErrOffline marks a transient failure of an external collaborator.
	ErrOffline = errors.New("collaborator offline")
	// ErrInvalidArgument rejects malformed caller input.
	ErrInvalidArgument = errors.New("invalid argument")
)
