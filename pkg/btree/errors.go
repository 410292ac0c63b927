package btree

import "errors"

var (
	ErrEmptyKey      = errors.New("btree: empty key")
	ErrKeyTooLarge   = errors.New("btree: key too large")
	ErrValueTooLarge = errors.New("btree: value too large")
	ErrReadOnly      = errors.New("btree: write in a read transaction")
	ErrTxnDone       = errors.New("btree: transaction already finished")
	ErrSliceClosed   = errors.New("btree: slice closed")
)

var ErrCorruptJournal = errors.New("btree: corrupt journal")
