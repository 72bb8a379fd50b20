// Package blobstore implements the transactional single-block persistence
// layer: a checksum-protected superblock with a monotonic counter, stored
// in two alternating fixed-offset slots inside a regular file standing in
// for a raw block device. A write always targets the slot the current
// superblock does not occupy, so a crash mid-write leaves the previous
// superblock intact and selectable.
package blobstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	magic = "SNIBLOB1"

	headerSize   = 72 // magic(8) + counter(8) + timestamp(8) + dataLength(4) + reserved(12) + checksum(32)
	checksumSize = sha256.Size

	// SlotSize is the size in bytes reserved for one superblock-plus-payload
	// slot. The device file is truncated/extended to exactly 2*SlotSize.
	SlotSize = 64 * 1024

	// MaxPayload is the largest payload write_data will accept.
	MaxPayload = SlotSize - headerSize
)

// Superblock is the fixed 72-byte header preceding a slot's payload.
type Superblock struct {
	Counter    uint64
	Timestamp  time.Time
	DataLength uint32
}

// BadChecksumError indicates a slot did not verify: its magic is missing
// (as in a slot that was never written) or its checksum does not match.
type BadChecksumError struct {
	Slot int
}

func (e *BadChecksumError) Error() string {
	return fmt.Sprintf("blobstore: bad checksum in slot %d", e.Slot)
}

// DecodeError indicates malformed header data (a data_length that does not
// fit the slot), or a payload too large to write.
type DecodeError struct {
	Kind string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("blobstore: decode error: %s", e.Kind)
}

// IoError wraps an underlying I/O failure against the device file.
type IoError struct {
	Msg string
	Err error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("blobstore: io error: %s: %v", e.Msg, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// Store is a Blob Store bound to a single device file with two slots.
type Store struct {
	file *os.File
}

// Open opens (creating if necessary) the device file at path and truncates
// or extends it to exactly 2*SlotSize bytes. It does not read or initialize any
// slot; call ReadData to discover the current superblock, or Init if none
// is valid.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, &IoError{Msg: "open device", Err: err}
	}
	if err := f.Truncate(2 * SlotSize); err != nil {
		_ = f.Close()
		return nil, &IoError{Msg: "truncate device", Err: err}
	}
	return &Store{file: f}, nil
}

// Close closes the underlying device file.
func (s *Store) Close() error {
	return s.file.Close()
}

func slotOffset(slot int) int64 {
	return int64(slot) * SlotSize
}

// readSlot reads and validates the superblock and payload in the given
// slot (0 or 1). It returns BadChecksumError or DecodeError as plain
// results, not wrapped, so callers can pick the best of two slots.
func (s *Store) readSlot(slot int) (Superblock, []byte, error) {
	buf := make([]byte, headerSize)
	if _, err := s.file.ReadAt(buf, slotOffset(slot)); err != nil {
		return Superblock{}, nil, &IoError{Msg: "read header", Err: err}
	}

	if !bytes.Equal(buf[0:8], []byte(magic)) {
		// A never-written (all-zero) slot has no magic; like a checksum
		// mismatch, it simply does not verify.
		return Superblock{}, nil, &BadChecksumError{Slot: slot}
	}
	counter := binary.BigEndian.Uint64(buf[8:16])
	tsSeconds := int64(binary.BigEndian.Uint64(buf[16:24]))
	dataLength := binary.BigEndian.Uint32(buf[24:28])
	// buf[28:40] reserved
	wantChecksum := buf[40:72]
	if len(wantChecksum) != checksumSize {
		return Superblock{}, nil, &DecodeError{Kind: "short header"}
	}

	if dataLength > MaxPayload {
		return Superblock{}, nil, &DecodeError{Kind: "data_length exceeds slot"}
	}

	payload := make([]byte, dataLength)
	if dataLength > 0 {
		if _, err := s.file.ReadAt(payload, slotOffset(slot)+headerSize); err != nil {
			return Superblock{}, nil, &IoError{Msg: "read payload", Err: err}
		}
	}

	gotChecksum := computeChecksum(buf[0:40], payload)
	if !bytes.Equal(gotChecksum, wantChecksum) {
		return Superblock{}, nil, &BadChecksumError{Slot: slot}
	}

	sb := Superblock{
		Counter:    counter,
		Timestamp:  time.Unix(tsSeconds, 0).UTC(),
		DataLength: dataLength,
	}
	return sb, payload, nil
}

func computeChecksum(headerPrefix []byte, payload []byte) []byte {
	h := sha256.New()
	h.Write(headerPrefix)
	h.Write(payload)
	sum := h.Sum(nil)
	return sum
}

// ReadData returns the superblock with the greatest counter among the two
// slots whose checksum verifies, plus its payload. If neither slot
// verifies, it returns the more specific of the two slot errors — the
// caller's policy is to treat a *BadChecksumError as "uninitialized" and
// call Init, but an IoError or DecodeError on both slots is a genuine
// device failure and must not be mistaken for that.
func (s *Store) ReadData() (Superblock, []byte, error) {
	sb0, p0, err0 := s.readSlot(0)
	sb1, p1, err1 := s.readSlot(1)

	valid0 := err0 == nil
	valid1 := err1 == nil

	switch {
	case valid0 && valid1:
		if sb1.Counter > sb0.Counter {
			return sb1, p1, nil
		}
		return sb0, p0, nil
	case valid0:
		return sb0, p0, nil
	case valid1:
		return sb1, p1, nil
	default:
		return Superblock{}, nil, pickReadError(err0, err1)
	}
}

// pickReadError chooses which of two slot-read failures to surface when
// neither slot verified. A non-checksum error (IoError, DecodeError)
// outranks BadChecksumError, since only both slots failing checksum is
// the "uninitialized device" condition; anything else is a real failure
// the caller must not paper over by reinitializing.
func pickReadError(err0, err1 error) error {
	var bad *BadChecksumError
	if !errors.As(err0, &bad) {
		return err0
	}
	if !errors.As(err1, &bad) {
		return err1
	}
	return err0
}

// Init writes a fresh superblock (counter 0, empty payload) to slot 0 and
// returns it. It does not consult any existing content.
func (s *Store) Init() (Superblock, error) {
	sb := Superblock{Counter: 0, Timestamp: time.Now(), DataLength: 0}
	if err := s.writeSlot(0, sb, nil); err != nil {
		return Superblock{}, err
	}
	return sb, nil
}

// WriteData persists newPayload as the successor of prev, writing to the
// slot prev does not occupy and returning the new superblock. The slot
// prev occupies is identified by comparing prev.Counter against what is
// currently on disk in each slot — callers always pass the Superblock most
// recently returned by ReadData or WriteData.
func (s *Store) WriteData(prev Superblock, newPayload []byte) (Superblock, error) {
	if len(newPayload) > MaxPayload {
		return Superblock{}, &DecodeError{Kind: "payload too large"}
	}

	targetSlot := s.alternateSlot(prev)

	next := Superblock{
		Counter:    prev.Counter + 1,
		Timestamp:  time.Now(),
		DataLength: uint32(len(newPayload)),
	}
	if err := s.writeSlot(targetSlot, next, newPayload); err != nil {
		return Superblock{}, err
	}
	return next, nil
}

// alternateSlot determines which slot currently holds prev (by matching
// counter) and returns the other one. If neither slot matches (prev is not
// on the device), it defaults to slot 1.
func (s *Store) alternateSlot(prev Superblock) int {
	sb0, _, err0 := s.readSlot(0)
	if err0 == nil && sb0.Counter == prev.Counter {
		return 1
	}
	sb1, _, err1 := s.readSlot(1)
	if err1 == nil && sb1.Counter == prev.Counter {
		return 0
	}
	return 1
}

func (s *Store) writeSlot(slot int, sb Superblock, payload []byte) error {
	header := make([]byte, headerSize)
	copy(header[0:8], []byte(magic))
	binary.BigEndian.PutUint64(header[8:16], sb.Counter)
	binary.BigEndian.PutUint64(header[16:24], uint64(sb.Timestamp.Unix()))
	binary.BigEndian.PutUint32(header[24:28], sb.DataLength)
	// header[28:40] reserved, left zero

	checksum := computeChecksum(header[0:40], payload)
	copy(header[40:72], checksum)

	buf := make([]byte, headerSize+len(payload))
	copy(buf, header)
	copy(buf[headerSize:], payload)

	if _, err := s.file.WriteAt(buf, slotOffset(slot)); err != nil {
		return &IoError{Msg: "write slot", Err: err}
	}
	if err := s.file.Sync(); err != nil {
		return &IoError{Msg: "sync device", Err: err}
	}
	return nil
}
