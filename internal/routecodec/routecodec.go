// Package routecodec implements the Configuration Codec: a total,
// injective round-trip between the SNI map and bytes, and between control
// commands/replies and bytes. Both wire shapes reuse encoding/csv with a
// tab delimiter, the same format the teacher's on-disk config and vault
// files use, rather than JSON — the control wire format sits behind an
// 8-byte length prefix and favors a compact, allocation-light encoding.
package routecodec

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/coldkeep/sniproxy/internal/routetable"
)

// DecodeError reports a malformed record during decode, naming the kind
// of failure and (when available) the offending field or the CSV parser's
// error message.
type DecodeError struct {
	Kind string
	Line string
}

func (e *DecodeError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("routecodec: %s", e.Kind)
	}
	return fmt.Sprintf("routecodec: %s: %q", e.Kind, e.Line)
}

func newCSVWriter(buf *bytes.Buffer) *csv.Writer {
	w := csv.NewWriter(buf)
	w.Comma = '\t'
	w.UseCRLF = false
	return w
}

func newCSVReader(data []byte) *csv.Reader {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = '\t'
	r.FieldsPerRecord = -1
	return r
}

// EncodeMap encodes an SNI map as one tab-separated record per entry:
// sni, host, port. An empty map encodes to an empty byte sequence.
func EncodeMap(m map[string]routetable.Backend) ([]byte, error) {
	if len(m) == 0 {
		return []byte{}, nil
	}
	var buf bytes.Buffer
	w := newCSVWriter(&buf)
	for sni, be := range m {
		record := []string{sni, be.Host, strconv.Itoa(int(be.Port))}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("routecodec: encode map: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("routecodec: encode map: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeMap decodes an SNI map previously produced by EncodeMap. An empty
// byte sequence decodes to an empty map.
func DecodeMap(data []byte) (map[string]routetable.Backend, error) {
	m := make(map[string]routetable.Backend)
	if len(data) == 0 {
		return m, nil
	}

	r := newCSVReader(data)
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &DecodeError{Kind: "malformed map record", Line: err.Error()}
		}
		if len(record) != 3 {
			return nil, &DecodeError{Kind: "map record must have 3 fields"}
		}
		port, err := strconv.ParseUint(record[2], 10, 16)
		if err != nil {
			return nil, &DecodeError{Kind: "bad port", Line: record[2]}
		}
		m[record[0]] = routetable.Backend{Host: record[1], Port: uint16(port)}
	}
	return m, nil
}

// Command is a tagged control-command variant.
type Command struct {
	Tag  string // "Add", "Remove", "List", "Ping"
	SNI  string
	Host string
	Port uint16
}

const (
	TagAdd    = "Add"
	TagRemove = "Remove"
	TagList   = "List"
	TagPing   = "Ping"
)

// Reply is a tagged control-reply variant.
type Reply struct {
	Tag     string // "Result", "Snis"
	Code    int
	Message string
	Entries []SniEntry
}

// SniEntry is one (sni, host, port) tuple in a Snis reply.
type SniEntry struct {
	SNI  string
	Host string
	Port uint16
}

const (
	TagResult = "Result"
	TagSnis   = "Snis"
)

// EncodeCommand renders a Command as a single tab-separated record.
func EncodeCommand(c Command) ([]byte, error) {
	var record []string
	switch c.Tag {
	case TagAdd:
		record = []string{TagAdd, c.SNI, c.Host, strconv.Itoa(int(c.Port))}
	case TagRemove:
		record = []string{TagRemove, c.SNI}
	case TagList:
		record = []string{TagList}
	case TagPing:
		record = []string{TagPing}
	default:
		return nil, &DecodeError{Kind: "unknown command tag", Line: c.Tag}
	}
	return encodeRecord(record)
}

// DecodeCommand parses a single tab-separated record into a Command.
func DecodeCommand(data []byte) (Command, error) {
	record, err := decodeRecord(data)
	if err != nil {
		return Command{}, err
	}
	if len(record) == 0 {
		return Command{}, &DecodeError{Kind: "empty command"}
	}

	switch record[0] {
	case TagAdd:
		if len(record) != 4 {
			return Command{}, &DecodeError{Kind: "Add requires 3 args"}
		}
		port, err := strconv.ParseUint(record[3], 10, 16)
		if err != nil {
			return Command{}, &DecodeError{Kind: "bad port", Line: record[3]}
		}
		return Command{Tag: TagAdd, SNI: record[1], Host: record[2], Port: uint16(port)}, nil
	case TagRemove:
		if len(record) != 2 {
			return Command{}, &DecodeError{Kind: "Remove requires 1 arg"}
		}
		return Command{Tag: TagRemove, SNI: record[1]}, nil
	case TagList:
		if len(record) != 1 {
			return Command{}, &DecodeError{Kind: "List takes no args"}
		}
		return Command{Tag: TagList}, nil
	case TagPing:
		if len(record) != 1 {
			return Command{}, &DecodeError{Kind: "Ping takes no args"}
		}
		return Command{Tag: TagPing}, nil
	default:
		return Command{}, &DecodeError{Kind: "unknown command tag", Line: record[0]}
	}
}

// EncodeReply renders a Reply as a single tab-separated record.
func EncodeReply(r Reply) ([]byte, error) {
	var record []string
	switch r.Tag {
	case TagResult:
		record = []string{TagResult, strconv.Itoa(r.Code), r.Message}
	case TagSnis:
		record = []string{TagSnis}
		for _, e := range r.Entries {
			record = append(record, e.SNI, e.Host, strconv.Itoa(int(e.Port)))
		}
	default:
		return nil, &DecodeError{Kind: "unknown reply tag", Line: r.Tag}
	}
	return encodeRecord(record)
}

// DecodeReply parses a single tab-separated record into a Reply.
func DecodeReply(data []byte) (Reply, error) {
	record, err := decodeRecord(data)
	if err != nil {
		return Reply{}, err
	}
	if len(record) == 0 {
		return Reply{}, &DecodeError{Kind: "empty reply"}
	}

	switch record[0] {
	case TagResult:
		if len(record) != 3 {
			return Reply{}, &DecodeError{Kind: "Result requires 2 args"}
		}
		code, err := strconv.Atoi(record[1])
		if err != nil {
			return Reply{}, &DecodeError{Kind: "bad result code", Line: record[1]}
		}
		return Reply{Tag: TagResult, Code: code, Message: record[2]}, nil
	case TagSnis:
		rest := record[1:]
		if len(rest)%3 != 0 {
			return Reply{}, &DecodeError{Kind: "Snis args must be triples"}
		}
		var entries []SniEntry // nil when there are no entries, as encoded
		for i := 0; i < len(rest); i += 3 {
			port, err := strconv.ParseUint(rest[i+2], 10, 16)
			if err != nil {
				return Reply{}, &DecodeError{Kind: "bad port", Line: rest[i+2]}
			}
			entries = append(entries, SniEntry{SNI: rest[i], Host: rest[i+1], Port: uint16(port)})
		}
		return Reply{Tag: TagSnis, Entries: entries}, nil
	default:
		return Reply{}, &DecodeError{Kind: "unknown reply tag", Line: record[0]}
	}
}

func encodeRecord(record []string) ([]byte, error) {
	var buf bytes.Buffer
	w := newCSVWriter(&buf)
	if err := w.Write(record); err != nil {
		return nil, fmt.Errorf("routecodec: encode record: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("routecodec: encode record: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) ([]string, error) {
	r := newCSVReader(data)
	record, err := r.Read()
	if err != nil {
		return nil, &DecodeError{Kind: "malformed record", Line: err.Error()}
	}
	return record, nil
}
