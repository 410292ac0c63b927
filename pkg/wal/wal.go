package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"btreekv/pkg/fatal"
	"btreekv/pkg/listener"
	"btreekv/pkg/types"
)

const fileName = "wal.log"

// Op is the kind of a WAL record.
type Op uint8

const (
	OpSet Op = iota + 1
	OpDelete
	// OpCommit closes a transaction; records of a transaction without one
	// are discarded on replay.
	OpCommit
)

// Entry represents a single WAL record.
type Entry struct {
	SeqNum    types.SeqN
	TxnID     uint64
	Op        Op
	Key       []byte
	Value     []byte
	CAS       types.CAS
	Timestamp types.Timestamp
	Flags     types.Flags
	Exptime   types.Exptime
}

// Ack confirms that every entry up to Last is durable, or reports why not.
type Ack struct {
	Last types.SeqN
	Err  error
}

// WAL implements write-ahead logging. Batches are appended through a
// channel and written by a background listener; completion is reported on
// Done in append order.
type WAL struct {
	*listener.Listener[[]Entry]

	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string
	sync     bool
	syncFile func(*os.File) error

	// size is the length of the intact prefix of the file
	size int64
	// failed is set once the on-disk state can no longer be trusted
	failed error

	inputCh chan []Entry
	doneCh  chan Ack
}

type Option func(*WAL)

// WithSync controls whether every batch is fsynced before it is acked.
func WithSync(sync bool) Option {
	return func(w *WAL) { w.sync = sync }
}

// New creates a new WAL instance in dir.
func New(dir string, reporter fatal.Reporter, opts ...Option) (*WAL, error) {
	if dir == "" {
		return nil, ErrEmptyDir
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(dir, fileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat WAL file: %w", err)
	}

	w := &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: filePath,
		sync:     true,
		syncFile: (*os.File).Sync,
		size:     info.Size(),
		inputCh:  make(chan []Entry, 3),
		doneCh:   make(chan Ack, 3),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.Listener = listener.New(w.inputCh, w.writeBatch,
		listener.WithStopHandler[[]Entry](w.stop),
		listener.WithReporter[[]Entry](reporter),
	)

	return w, nil
}

// Append queues a batch. Its Ack arrives on Done.
func (w *WAL) Append(batch []Entry) {
	w.inputCh <- batch
}

// Done delivers one Ack per appended batch.
func (w *WAL) Done() <-chan Ack {
	return w.doneCh
}

// will be called async by WAL.listener on input in WAL.inputCh
func (w *WAL) writeBatch(batch []Entry) error {
	w.mu.Lock()
	err := w.writeLocked(batch)
	w.mu.Unlock()

	var last types.SeqN
	if n := len(batch); n > 0 {
		last = batch[n-1].SeqNum
	}
	w.doneCh <- Ack{Last: last, Err: err}

	return nil
}

// writeLocked appends batch. A batch that could not be made durable is cut
// off the file again so that replay never sees it. After a failed sync the
// WAL refuses further writes.
func (w *WAL) writeLocked(batch []Entry) error {
	if w.writer == nil {
		return ErrClosed
	}
	if w.failed != nil {
		return w.failed
	}

	start := w.size
	written := int64(0)
	for _, entry := range batch {
		n, err := w.writeEntry(entry)
		if err != nil {
			return w.rollbackLocked(start, fmt.Errorf("failed to write WAL entry %d: %w", entry.SeqNum, err))
		}
		written += int64(n)
	}
	if err := w.writer.Flush(); err != nil {
		return w.rollbackLocked(start, fmt.Errorf("failed to flush WAL: %w", err))
	}
	if w.sync {
		if err := w.syncFile(w.file); err != nil {
			err = w.rollbackLocked(start, fmt.Errorf("failed to sync WAL: %w", err))
			w.failed = fmt.Errorf("%w: %w", ErrFailed, err)
			slog.Error("WAL sync failed, refusing further writes", "path", w.filePath, "error", err)
			return err
		}
	}
	w.size = start + written

	return nil
}

// rollbackLocked drops buffered and written bytes past start.
func (w *WAL) rollbackLocked(start int64, cause error) error {
	w.writer.Reset(w.file)
	if err := w.file.Truncate(start); err != nil {
		w.failed = fmt.Errorf("%w: %w", ErrFailed, err)
		return errors.Join(cause, fmt.Errorf("failed to roll back WAL to %d: %w", start, err))
	}
	return cause
}

// Replay calls callback for every intact entry with SeqNum >= start. A torn
// or corrupt tail ends the replay and is truncated. A damaged record with
// intact records after it fails with ErrCorrupt.
func (w *WAL) Replay(start types.SeqN, callback func(Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL before replay: %w", err)
		}
	}

	file, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	var offset int64

	for {
		entry, n, err := readEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, ErrChecksum) {
				rest, rerr := io.ReadAll(io.NewSectionReader(file, offset+1, math.MaxInt64-offset-1))
				if rerr != nil {
					return fmt.Errorf("failed to read WAL past damaged record: %w", rerr)
				}
				if at := intactRecordAt(rest); at >= 0 {
					return fmt.Errorf("%w: record at offset %d, next intact record at %d in %s",
						ErrCorrupt, offset, offset+1+int64(at), w.filePath)
				}
			}
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrChecksum) {
				slog.Warn("WAL tail is incomplete, truncating", "path", w.filePath, "offset", offset, "error", err)
				if err := w.truncateLocked(offset); err != nil {
					return err
				}
				break
			}
			return fmt.Errorf("failed to read WAL entry: %w", err)
		}
		offset += int64(n)
		if entry.SeqNum < start {
			continue
		}

		if err := callback(entry); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
	}

	return nil
}

// truncateLocked cuts a damaged tail so that later appends are not hidden
// behind it on the next replay.
func (w *WAL) truncateLocked(offset int64) error {
	if w.file == nil {
		return nil
	}
	if err := w.file.Truncate(offset); err != nil {
		return fmt.Errorf("failed to truncate WAL at %d: %w", offset, err)
	}
	w.size = offset
	return nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}

	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}

	return nil
}

func (w *WAL) stop() {
	if err := w.Close(); err != nil {
		slog.Warn("failed to close WAL", "path", w.filePath, "error", err)
	}
}

// header: payload length (4 bytes) + crc32 of payload (4 bytes)
const headerSize = 8

// fixed part of the payload: seq, txn, op, cas, ts, flags, exptime
const fixedSize = 8 + 8 + 1 + 8 + 8 + 4 + 8

// writeEntry writes a single entry to the WAL and returns its encoded size.
func (w *WAL) writeEntry(entry Entry) (int, error) {
	if len(entry.Key) > math.MaxUint32 {
		return 0, fmt.Errorf("key too large: %d", len(entry.Key))
	}
	if len(entry.Value) > math.MaxUint32 {
		return 0, fmt.Errorf("value too large: %d", len(entry.Value))
	}

	payload := make([]byte, 0, fixedSize+8+len(entry.Key)+len(entry.Value))
	payload = binary.LittleEndian.AppendUint64(payload, entry.SeqNum)
	payload = binary.LittleEndian.AppendUint64(payload, entry.TxnID)
	payload = append(payload, byte(entry.Op))
	payload = binary.LittleEndian.AppendUint64(payload, uint64(entry.CAS))
	payload = binary.LittleEndian.AppendUint64(payload, uint64(entry.Timestamp))
	payload = binary.LittleEndian.AppendUint32(payload, uint32(entry.Flags))
	payload = binary.LittleEndian.AppendUint64(payload, uint64(entry.Exptime))
	payload = binary.LittleEndian.AppendUint32(payload, uint32(len(entry.Key)))
	payload = append(payload, entry.Key...)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(len(entry.Value)))
	payload = append(payload, entry.Value...)

	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := w.writer.Write(header[:]); err != nil {
		return 0, err
	}
	if _, err := w.writer.Write(payload); err != nil {
		return 0, err
	}
	return headerSize + len(payload), nil
}

// intactRecordAt returns the first position in data where a well-formed
// record with a matching checksum starts, or -1.
func intactRecordAt(data []byte) int {
	for i := 0; i+headerSize <= len(data); i++ {
		size := binary.LittleEndian.Uint32(data[i : i+4])
		if size < fixedSize+8 || size > 2*types.MaxValueSize {
			continue
		}
		end := i + headerSize + int(size)
		if end > len(data) {
			continue
		}
		if op := Op(data[i+headerSize+16]); op < OpSet || op > OpCommit {
			continue
		}
		if crc32.ChecksumIEEE(data[i+headerSize:end]) == binary.LittleEndian.Uint32(data[i+4:i+8]) {
			return i
		}
	}
	return -1
}

// readEntry reads a single entry from the WAL and returns the number of
// bytes it occupied.
func readEntry(reader *bufio.Reader) (Entry, int, error) {
	var entry Entry

	var header [headerSize]byte
	if _, err := io.ReadFull(reader, header[:]); err != nil {
		return entry, 0, err
	}
	size := binary.LittleEndian.Uint32(header[0:4])
	sum := binary.LittleEndian.Uint32(header[4:8])
	if size < fixedSize+8 || size > 2*types.MaxValueSize {
		return entry, 0, fmt.Errorf("%w: bad record size %d", ErrChecksum, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(reader, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return entry, 0, err
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return entry, 0, ErrChecksum
	}

	entry.SeqNum = binary.LittleEndian.Uint64(payload[0:8])
	entry.TxnID = binary.LittleEndian.Uint64(payload[8:16])
	entry.Op = Op(payload[16])
	entry.CAS = types.CAS(binary.LittleEndian.Uint64(payload[17:25]))
	entry.Timestamp = types.Timestamp(binary.LittleEndian.Uint64(payload[25:33]))
	entry.Flags = types.Flags(binary.LittleEndian.Uint32(payload[33:37]))
	entry.Exptime = types.Exptime(binary.LittleEndian.Uint64(payload[37:45]))

	rest := payload[fixedSize:]
	keyLen := binary.LittleEndian.Uint32(rest[0:4])
	rest = rest[4:]
	if uint64(keyLen)+4 > uint64(len(rest)) {
		return entry, 0, fmt.Errorf("%w: key length %d", ErrChecksum, keyLen)
	}
	entry.Key = rest[:keyLen]
	rest = rest[keyLen:]

	valueLen := binary.LittleEndian.Uint32(rest[0:4])
	rest = rest[4:]
	if uint64(valueLen) != uint64(len(rest)) {
		return entry, 0, fmt.Errorf("%w: value length %d", ErrChecksum, valueLen)
	}
	entry.Value = rest

	return entry, headerSize + int(size), nil
}
