// Package control implements the private, length-prefixed,
// HMAC-authenticated control channel: one request/response exchange per
// TCP connection, dispatching Add/Remove/List/Ping against the live SNI
// map and flushing mutations through the Blob Store.
//
// All mutations are serialized through a single dedicated goroutine reading
// off an unbuffered channel — the teacher guards its equivalent mutation
// path with a mutex; here the channel makes the "no two mutations
// interleave between map-update and persist" invariant structural rather
// than a matter of lock discipline.
package control

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/coldkeep/sniproxy/internal/blobstore"
	"github.com/coldkeep/sniproxy/internal/logging"
	"github.com/coldkeep/sniproxy/internal/routecodec"
	"github.com/coldkeep/sniproxy/internal/routetable"
)

const maxRequestLength = 1 << 20 // guards against a hostile length prefix

// Server is the control channel. It owns the Blob Store and the live
// route table; both are mutated only from its internal mutator goroutine.
type Server struct {
	log   *logging.Logger
	key   []byte
	store *blobstore.Store
	table *routetable.Table

	mutate chan mutation
}

type mutation struct {
	cmd    routecodec.Command
	result chan routecodec.Reply
}

// New builds a Server bound to store and table, starting from sb as the
// current superblock (as returned by store.ReadData or store.Init).
func New(log *logging.Logger, key []byte, store *blobstore.Store, table *routetable.Table, sb blobstore.Superblock) *Server {
	s := &Server{
		log:    log,
		key:    key,
		store:  store,
		table:  table,
		mutate: make(chan mutation),
	}
	go s.runMutator(sb)
	return s
}

// runMutator is the single goroutine that may touch the Blob Store. It
// drains s.mutate, applying one command's map update and persist before
// looking at the next.
func (s *Server) runMutator(sb blobstore.Superblock) {
	for m := range s.mutate {
		reply, newSb := s.applyMutation(sb, m.cmd)
		sb = newSb
		m.result <- reply
	}
}

func (s *Server) applyMutation(sb blobstore.Superblock, cmd routecodec.Command) (routecodec.Reply, blobstore.Superblock) {
	current := s.table.Load()
	next := make(map[string]routetable.Backend, len(current)+1)
	for k, v := range current {
		next[k] = v
	}

	// SNI is a case-insensitive domain name; the map key is canonicalized
	// to lowercase here, the one place mutations are applied, so it always
	// matches the lowercased ClientHello SNI the proxy looks up with.
	sni := strings.ToLower(cmd.SNI)

	var successMsg string
	switch cmd.Tag {
	case routecodec.TagAdd:
		next[sni] = routetable.Backend{Host: cmd.Host, Port: cmd.Port}
		successMsg = fmt.Sprintf("%s was successfully added", cmd.SNI)
	case routecodec.TagRemove:
		delete(next, sni)
		successMsg = fmt.Sprintf("%s was successfully removed", cmd.SNI)
	default:
		// unreachable: callers only send Add/Remove through runMutator
		return routecodec.Reply{Tag: routecodec.TagResult, Code: 1, Message: "unexpected"}, sb
	}

	// The in-memory map is updated before the persist attempt and is not
	// rolled back if persistence fails (acknowledged quirk, preserved).
	s.table.Store(next)

	payload, err := routecodec.EncodeMap(next)
	if err != nil {
		return errorReply(cmd, err), sb
	}

	newSb, err := s.store.WriteData(sb, payload)
	if err != nil {
		s.log.Error("blob store persist failed", "error", err)
		return errorReply(cmd, err), sb
	}

	return routecodec.Reply{Tag: routecodec.TagResult, Code: 0, Message: successMsg}, newSb
}

func errorReply(cmd routecodec.Command, err error) routecodec.Reply {
	var action string
	switch cmd.Tag {
	case routecodec.TagAdd:
		action = "adding"
	case routecodec.TagRemove:
		action = "removing"
	default:
		action = "processing"
	}
	return routecodec.Reply{
		Tag:     routecodec.TagResult,
		Code:    1,
		Message: fmt.Sprintf("error %s %s %s", err, action, cmd.SNI),
	}
}

// Serve accepts connections on ln until it returns an error (typically
// because ln was closed during shutdown).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	payload, err := readFramed(conn)
	if err != nil {
		s.log.Warn("control: truncated or unreadable request", "error", err)
		return
	}

	reply := s.dispatch(payload)

	replyBytes, err := routecodec.EncodeReply(reply)
	if err != nil {
		s.log.Error("control: failed to encode reply", "error", err)
		return
	}
	if err := writeFramed(conn, replyBytes); err != nil {
		s.log.Warn("control: failed to write reply", "error", err)
	}
}

func (s *Server) dispatch(payload []byte) routecodec.Reply {
	if len(payload) < sha256.Size {
		return routecodec.Reply{Tag: routecodec.TagResult, Code: 3, Message: "authentication failure"}
	}
	mac := payload[:sha256.Size]
	message := payload[sha256.Size:]

	expected := hmac.New(sha256.New, s.key)
	expected.Write(message)
	if !hmac.Equal(mac, expected.Sum(nil)) {
		return routecodec.Reply{Tag: routecodec.TagResult, Code: 3, Message: "authentication failure"}
	}

	cmd, err := routecodec.DecodeCommand(message)
	if err != nil {
		return routecodec.Reply{Tag: routecodec.TagResult, Code: 2, Message: err.Error()}
	}

	switch cmd.Tag {
	case routecodec.TagAdd, routecodec.TagRemove:
		result := make(chan routecodec.Reply, 1)
		s.mutate <- mutation{cmd: cmd, result: result}
		return <-result
	case routecodec.TagList:
		return s.listReply()
	case routecodec.TagPing:
		return routecodec.Reply{Tag: routecodec.TagResult, Code: 0, Message: "pong"}
	default:
		return routecodec.Reply{Tag: routecodec.TagResult, Code: 1, Message: "unexpected"}
	}
}

func (s *Server) listReply() routecodec.Reply {
	m := s.table.Load()
	entries := make([]routecodec.SniEntry, 0, len(m))
	for sni, be := range m {
		entries = append(entries, routecodec.SniEntry{SNI: sni, Host: be.Host, Port: be.Port})
	}
	return routecodec.Reply{Tag: routecodec.TagSnis, Entries: entries}
}

func readFramed(r io.Reader) ([]byte, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("control: read length prefix: %w", err)
	}
	length := binary.BigEndian.Uint64(lenBuf[:])
	if length > maxRequestLength {
		return nil, fmt.Errorf("control: request length %d exceeds limit", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("control: truncated request: %w", err)
	}
	return payload, nil
}

func writeFramed(w io.Writer, payload []byte) error {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("control: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("control: write payload: %w", err)
	}
	return nil
}

// SignRequest is a client-side helper: it builds the authenticated
// payload hmac_sha256(key, message) || message for a command.
func SignRequest(key []byte, cmd routecodec.Command) ([]byte, error) {
	message, err := routecodec.EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return append(mac.Sum(nil), message...), nil
}

// SendRequest is a client-side helper: it frames and sends payload over
// conn and reads back a framed reply.
func SendRequest(conn net.Conn, payload []byte) (routecodec.Reply, error) {
	if err := writeFramed(conn, payload); err != nil {
		return routecodec.Reply{}, err
	}
	replyBytes, err := readFramed(conn)
	if err != nil {
		return routecodec.Reply{}, err
	}
	return routecodec.DecodeReply(replyBytes)
}
