// Package wal is the durable pre-commit record the Commit Engine appends
// to before advancing a branch ref. Every record is a
// length-prefixed, checksummed frame; a commit that crashes between the
// WAL fsync and the ref CAS is replayed idempotently on the next Open.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moclojer/chrondb-sub001/internal/chronerr"
)

// Op names the kind of change a WAL record carries.
type Op byte

const (
	OpPut    Op = 0
	OpDelete Op = 1
)

// nullDocBytes is the length sentinel marking a record with no document
// body (deletions, or a put whose body is legitimately empty - never
// ambiguous with a zero-length body since deletes never carry one).
const nullDocBytes uint32 = 0xFFFFFFFF

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Record is one WAL entry: a single put or delete against one document,
// tagged with the sequence number and transaction it belongs to.
type Record struct {
	Seq      uint64
	TxID     string
	Branch   string
	Op       Op
	DocID    string
	DocBytes []byte // nil for Delete, or a Put with a null body
}

// Log is the append-only WAL file plus its on-disk checkpoint marker.
type Log struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open opens (creating if necessary) the WAL file at <dataPath>/wal.log.
func Open(dataPath string) (*Log, error) {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("wal: mkdir %s: %w", dataPath, err)
	}

	path := filepath.Join(dataPath, "wal.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	return &Log{path: path, f: f}, nil
}

// Close closes the underlying WAL file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Append writes one record as a framed, checksummed entry and fsyncs
// before returning, per I1: a branch ref never advances until this call
// has returned successfully.
func (l *Log) Append(rec Record) error {
	payload := encodeRecord(rec)

	frame := make([]byte, 4+len(payload)+4)
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	copy(frame[4:4+len(payload)], payload)
	crc := crc32.Checksum(payload, castagnoli)
	binary.LittleEndian.PutUint32(frame[4+len(payload):], crc)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("wal: seek: %w", err)
	}
	if _, err := l.f.Write(frame); err != nil {
		return fmt.Errorf("wal: write: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	return nil
}

// encodeRecord lays a record out little-endian as:
//
//	u64 seq | u128 tx_id | u8 op | u32 branch_len | bytes branch |
//	u32 id_len | bytes id | u32 payload_len | bytes payload
//
// The tx_id travels as raw UUID bytes (a malformed id encodes as the nil
// UUID); a null payload is the 0xFFFFFFFF length sentinel. The frame
// around this payload adds the leading u32 length and trailing u32 crc32c.
func encodeRecord(rec Record) []byte {
	buf := make([]byte, 0, 41+len(rec.Branch)+len(rec.DocID)+len(rec.DocBytes))

	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], rec.Seq)
	buf = append(buf, seq[:]...)

	txID, err := uuid.Parse(rec.TxID)
	if err != nil {
		txID = uuid.Nil
	}
	buf = append(buf, txID[:]...)

	buf = append(buf, byte(rec.Op))

	buf = appendLenPrefixedString(buf, rec.Branch)
	buf = appendLenPrefixedString(buf, rec.DocID)

	var docLen [4]byte
	if rec.DocBytes == nil {
		binary.LittleEndian.PutUint32(docLen[:], nullDocBytes)
		buf = append(buf, docLen[:]...)
	} else {
		binary.LittleEndian.PutUint32(docLen[:], uint32(len(rec.DocBytes)))
		buf = append(buf, docLen[:]...)
		buf = append(buf, rec.DocBytes...)
	}

	return buf
}

func appendLenPrefixedString(buf []byte, s string) []byte {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(s)))
	buf = append(buf, l[:]...)
	return append(buf, s...)
}

// decodeRecord is the inverse of encodeRecord, consuming exactly the bytes
// a well-formed frame's payload contains.
func decodeRecord(payload []byte) (Record, error) {
	var rec Record
	r := payload

	if len(r) < 25 {
		return rec, fmt.Errorf("%w: truncated wal record header", chronerr.StoreCorrupt)
	}
	rec.Seq = binary.LittleEndian.Uint64(r[0:8])

	var txID uuid.UUID
	copy(txID[:], r[8:24])
	if txID != uuid.Nil {
		rec.TxID = txID.String()
	}

	rec.Op = Op(r[24])
	r = r[25:]

	var err error
	rec.Branch, r, err = readLenPrefixedString(r)
	if err != nil {
		return rec, err
	}
	rec.DocID, r, err = readLenPrefixedString(r)
	if err != nil {
		return rec, err
	}

	if len(r) < 4 {
		return rec, fmt.Errorf("%w: truncated wal doc length", chronerr.StoreCorrupt)
	}
	docLen := binary.LittleEndian.Uint32(r[:4])
	r = r[4:]
	if docLen == nullDocBytes {
		rec.DocBytes = nil
		return rec, nil
	}
	if uint32(len(r)) < docLen {
		return rec, fmt.Errorf("%w: truncated wal doc body", chronerr.StoreCorrupt)
	}
	rec.DocBytes = append([]byte(nil), r[:docLen]...)
	return rec, nil
}

func readLenPrefixedString(r []byte) (string, []byte, error) {
	if len(r) < 4 {
		return "", nil, fmt.Errorf("%w: truncated wal string length", chronerr.StoreCorrupt)
	}
	l := binary.LittleEndian.Uint32(r[:4])
	r = r[4:]
	if uint32(len(r)) < l {
		return "", nil, fmt.Errorf("%w: truncated wal string body", chronerr.StoreCorrupt)
	}
	return string(r[:l]), r[l:], nil
}

// ReadAll returns every record currently in the WAL file, in append order.
// A truncated or checksum-mismatched trailing frame (the signature of a
// crash mid-append) is treated as the end of the log, not an error: every
// complete frame before it is still valid.
func (l *Log) ReadAll() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("wal: seek: %w", err)
	}
	br := bufio.NewReader(l.f)

	var records []Record
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			break
		}
		payloadLen := binary.LittleEndian.Uint32(lenBuf[:])

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(br, payload); err != nil {
			break
		}

		var crcBuf [4]byte
		if _, err := io.ReadFull(br, crcBuf[:]); err != nil {
			break
		}
		wantCRC := binary.LittleEndian.Uint32(crcBuf[:])
		if crc32.Checksum(payload, castagnoli) != wantCRC {
			break
		}

		rec, err := decodeRecord(payload)
		if err != nil {
			break
		}
		records = append(records, rec)
	}
	return records, nil
}

// Truncate discards the WAL file's contents, used once every record up to
// the current checkpoint has been durably applied.
func (l *Log) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek: %w", err)
	}
	return l.f.Sync()
}

// Checkpoint durably records the highest sequence number known to be
// applied, using the write-temp-then-rename idiom so a crash mid-write
// never leaves a half-written checkpoint file.
func (l *Log) Checkpoint(seq uint64) error {
	dir := filepath.Dir(l.path)
	final := filepath.Join(dir, "wal.checkpoint")
	tmp := final + ".tmp"

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], seq)

	if err := os.WriteFile(tmp, buf[:], 0o600); err != nil {
		return fmt.Errorf("wal: write checkpoint tmp: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("wal: rename checkpoint: %w", err)
	}
	return nil
}

// LastCheckpoint reads the last durably recorded sequence number, or 0 if
// no checkpoint has ever been written.
func (l *Log) LastCheckpoint() (uint64, error) {
	dir := filepath.Dir(l.path)
	data, err := os.ReadFile(filepath.Join(dir, "wal.checkpoint"))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("wal: read checkpoint: %w", err)
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("%w: malformed checkpoint file", chronerr.StoreCorrupt)
	}
	return binary.LittleEndian.Uint64(data), nil
}

// Pending returns the records with Seq greater than the last checkpoint,
// i.e. the ones startup recovery must consider replaying.
func (l *Log) Pending() ([]Record, error) {
	last, err := l.LastCheckpoint()
	if err != nil {
		return nil, err
	}

	all, err := l.ReadAll()
	if err != nil {
		return nil, err
	}

	pending := make([]Record, 0, len(all))
	for _, r := range all {
		if r.Seq > last {
			pending = append(pending, r)
		}
	}
	return pending, nil
}

// CleanStaleLocks removes *.lock files older than maxAge under each given
// directory (orphan locks in the object store and index directory left
// behind by a process that died holding them).
func CleanStaleLocks(dirs []string, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("wal: read dir %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".lock" {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				_ = os.Remove(filepath.Join(dir, e.Name()))
			}
		}
	}
	return nil
}
