package store

import "errors"

var (
	ErrNoSlices    = errors.New("store: no slices configured")
	ErrCrossSlice  = errors.New("store: key belongs to another slice than the batch")
	ErrStoreClosed = errors.New("store: closed")
)
