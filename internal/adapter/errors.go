package adapter

import (
	"errors"
)

var (
	// ErrNotFound is returned when a requested document or blob does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned by Upload when overwrite is disabled and
	// the key is taken.
	ErrAlreadyExists = errors.New("resource already exists")
)
