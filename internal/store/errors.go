package store

import "errors"

var (
	ErrNotFound          = errors.New("record not found")
	ErrUnknownCollection = errors.New("unknown collection")
	ErrNoBackup          = errors.New("no backup generated yet")
)
