package sniproxy

import (
	"context"
	"fmt"
	"net"
	"strings"
)

const (
	redirectReadBufSize = 4096
	hostHeaderPrefix    = "host:"
)

// ListenRedirect binds addr and answers every connection with a 301 to the
// HTTPS equivalent of the request, or closes silently if the first read
// does not contain a parseable Host header. This is a deliberately brittle
// single-read parse, preserved as specified rather than buffered until a
// full header block arrives.
func (p *Proxy) ListenRedirect(addr string) error {
	lcfg := net.ListenConfig{Control: reusePort}
	ln, err := lcfg.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("sniproxy: listen redirect %s: %w", addr, err)
	}
	return p.ServeRedirect(ln)
}

// ServeRedirect accepts on ln until Accept fails, handling each connection
// with handleRedirect.
func (p *Proxy) ServeRedirect(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go p.handleRedirect(conn)
	}
}

func (p *Proxy) handleRedirect(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	buf := make([]byte, redirectReadBufSize)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return
	}

	location, ok := parseRedirectLocation(buf[:n])
	if !ok {
		return
	}

	response := fmt.Sprintf(
		"HTTP/1.1 301 Moved permanently\r\nLocation: %s\r\nContent-Length: 0\r\nServer: %s\r\n\r\n",
		location, ServerTag,
	)
	_, _ = conn.Write([]byte(response))
}

// parseRedirectLocation splits chunk on CRLF, requires a request line of
// the form "<METHOD> <URL> <rest>", finds the first header line whose
// lowercased prefix is "host:", and returns the https:// URL to redirect
// to. It reports ok=false if any of that is missing.
func parseRedirectLocation(chunk []byte) (string, bool) {
	lines := strings.Split(string(chunk), "\r\n")
	if len(lines) == 0 {
		return "", false
	}

	requestLine := strings.SplitN(lines[0], " ", 3)
	if len(requestLine) < 3 {
		return "", false
	}
	url := requestLine[1]

	var host string
	for _, line := range lines[1:] {
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, hostHeaderPrefix) {
			host = strings.TrimSpace(line[len(hostHeaderPrefix):])
			break
		}
	}
	if host == "" {
		return "", false
	}
	host = trimPort(host)

	return fmt.Sprintf("https://%s%s", host, url), true
}

func trimPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
