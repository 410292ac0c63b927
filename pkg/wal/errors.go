package wal

import "errors"

var (
	ErrEmptyDir = errors.New("wal: empty WAL dir")
	ErrClosed   = errors.New("wal: closed")
	ErrChecksum = errors.New("wal: record checksum mismatch")
	ErrCorrupt  = errors.New("wal: damaged record followed by intact records")
	ErrFailed   = errors.New("wal: failed, no further writes are accepted")
)
