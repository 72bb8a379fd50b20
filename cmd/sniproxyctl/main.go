// Command sniproxyctl is a small operator-facing client for the control
// channel: it sends one Add/Remove/List/Ping request and prints the reply.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/coldkeep/sniproxy/internal/control"
	"github.com/coldkeep/sniproxy/internal/routecodec"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: sniproxyctl -addr <host:port> -key <hmac-key> <command> [args]\n\n")
	fmt.Fprintf(os.Stderr, "commands:\n")
	fmt.Fprintf(os.Stderr, "  add <sni> <host> <port>\n")
	fmt.Fprintf(os.Stderr, "  remove <sni>\n")
	fmt.Fprintf(os.Stderr, "  list\n")
	fmt.Fprintf(os.Stderr, "  ping\n")
}

func main() {
	addr := flag.String("addr", "127.0.0.1:9443", "control channel address")
	key := flag.String("key", os.Getenv("CONTROL_KEY"), "control channel HMAC key")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 || *key == "" {
		usage()
		os.Exit(1)
	}

	cmd, err := buildCommand(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		usage()
		os.Exit(1)
	}

	reply, err := send(*addr, []byte(*key), cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}

	printReply(reply)
}

func buildCommand(args []string) (routecodec.Command, error) {
	switch args[0] {
	case "add":
		if len(args) != 4 {
			return routecodec.Command{}, fmt.Errorf("add requires <sni> <host> <port>")
		}
		port, err := strconv.ParseUint(args[3], 10, 16)
		if err != nil {
			return routecodec.Command{}, fmt.Errorf("bad port %q: %w", args[3], err)
		}
		return routecodec.Command{Tag: routecodec.TagAdd, SNI: args[1], Host: args[2], Port: uint16(port)}, nil
	case "remove":
		if len(args) != 2 {
			return routecodec.Command{}, fmt.Errorf("remove requires <sni>")
		}
		return routecodec.Command{Tag: routecodec.TagRemove, SNI: args[1]}, nil
	case "list":
		return routecodec.Command{Tag: routecodec.TagList}, nil
	case "ping":
		return routecodec.Command{Tag: routecodec.TagPing}, nil
	default:
		return routecodec.Command{}, fmt.Errorf("unknown command %q", args[0])
	}
}

func send(addr string, key []byte, cmd routecodec.Command) (routecodec.Reply, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return routecodec.Reply{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()

	payload, err := control.SignRequest(key, cmd)
	if err != nil {
		return routecodec.Reply{}, err
	}
	return control.SendRequest(conn, payload)
}

func printReply(r routecodec.Reply) {
	switch r.Tag {
	case routecodec.TagResult:
		fmt.Printf("result %d: %s\n", r.Code, r.Message)
		if r.Code != 0 {
			os.Exit(1)
		}
	case routecodec.TagSnis:
		for _, e := range r.Entries {
			fmt.Printf("%s\t%s\t%d\n", e.SNI, e.Host, e.Port)
		}
	default:
		fmt.Printf("unrecognized reply tag %q\n", r.Tag)
	}
}
