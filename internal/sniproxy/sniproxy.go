// Package sniproxy implements the two public listeners: a port-80
// redirector and the SNI-dispatched TLS terminator that proxies to
// backends over the private stack.
package sniproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/coldkeep/sniproxy/internal/logging"
	"github.com/coldkeep/sniproxy/internal/routetable"
)

// ServerTag is sent as the Server header on the port-80 redirect.
const ServerTag = "sniproxyd"

// DefaultHandshakeTimeout bounds the TLS handshake on each accepted
// connection, closing the open question the proxy otherwise leaves about
// slowloris-style exhaustion.
const DefaultHandshakeTimeout = 10 * time.Second

// Proxy owns both public listeners and the dial path to backends.
type Proxy struct {
	log              *logging.Logger
	table            *routetable.Table
	tlsConfig        atomic.Pointer[tls.Config]
	handshakeTimeout time.Duration
}

// New builds a Proxy reading backends from table. tlsConfig may be nil
// until the Certificate Manager installs the first configuration.
func New(log *logging.Logger, table *routetable.Table, handshakeTimeout time.Duration) *Proxy {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &Proxy{log: log, table: table, handshakeTimeout: handshakeTimeout}
}

// SetTLSConfig atomically installs cfg as the configuration used by all
// subsequent accepts. In-flight sessions keep the configuration they
// started with.
func (p *Proxy) SetTLSConfig(cfg *tls.Config) {
	p.tlsConfig.Store(cfg)
}

// reusePort sets SO_REUSEPORT on the listening socket so a reload can bind
// the new listener before the old one is closed.
func reusePort(_, _ string, c syscall.RawConn) error {
	return c.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
}

// ListenTLS binds addr and serves TLS, dispatching by SNI, until ln is
// closed.
func (p *Proxy) ListenTLS(addr string) error {
	lcfg := net.ListenConfig{Control: reusePort}
	ln, err := lcfg.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("sniproxy: listen tls %s: %w", addr, err)
	}
	return p.ServeTLS(ln)
}

// ServeTLS accepts on ln and handles each connection until Accept fails.
func (p *Proxy) ServeTLS(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go p.handleTLS(conn)
	}
}

func (p *Proxy) handleTLS(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(p.handshakeTimeout))

	var negotiatedSNI string
	tlsConn := tls.Server(conn, &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			negotiatedSNI = strings.ToLower(hello.ServerName)
			base := p.tlsConfig.Load()
			if base == nil {
				return nil, errors.New("sniproxy: no certificate configuration installed")
			}
			return base, nil
		},
	})

	if err := tlsConn.Handshake(); err != nil {
		p.log.Warn("tls handshake failed", "error", err, "remote", conn.RemoteAddr())
		return
	}
	_ = conn.SetDeadline(time.Time{})

	backend, ok := p.table.Lookup(negotiatedSNI)
	if !ok {
		p.log.Info("no backend for sni, closing", "sni", negotiatedSNI)
		return
	}

	backendAddr := net.JoinHostPort(backend.Host, fmt.Sprintf("%d", backend.Port))
	beConn, err := dialBackend(backendAddr)
	if err != nil {
		p.log.Warn("backend dial failed", "backend", backendAddr, "error", err)
		return
	}

	tunnelTCPConn(negotiatedSNI, tlsConn, beConn)
}

func dialBackend(addr string) (net.Conn, error) {
	d := net.Dialer{
		Timeout:       400 * time.Millisecond,
		FallbackDelay: 300 * time.Millisecond,
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     15 * time.Second,
			Interval: 15 * time.Second,
			Count:    2,
		},
	}
	return d.Dial("tcp", addr)
}

// tunnelTCPConn runs the bidirectional byte pump: two concurrent io.Copy
// loops joined by a WaitGroup. When either loop ends (EOF or error), both
// connections are closed, the backend first, so the peer loop unwinds on
// its next I/O.
func tunnelTCPConn(sni string, cConn net.Conn, beConn net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = beConn.Close()
			_ = cConn.Close()
		})
	}

	go func() {
		defer wg.Done()
		if _, err := io.Copy(beConn, cConn); err != nil {
			// io.Copy swallows io.EOF; any error here is a real failure
			_ = err
		}
		closeBoth()
	}()

	go func() {
		defer wg.Done()
		if _, err := io.Copy(cConn, beConn); err != nil {
			_ = err
		}
		closeBoth()
	}()

	wg.Wait()
	_ = sni
}
