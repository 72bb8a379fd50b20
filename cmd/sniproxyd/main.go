// Command sniproxyd is the process entrypoint: it wires the Blob Store,
// the route table, the secret vault, the control channel, the SNI proxy,
// the certificate manager, and the status API together, then waits for a
// reload or shutdown signal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/coldkeep/sniproxy/internal/blobstore"
	"github.com/coldkeep/sniproxy/internal/certmanager"
	"github.com/coldkeep/sniproxy/internal/control"
	"github.com/coldkeep/sniproxy/internal/logging"
	"github.com/coldkeep/sniproxy/internal/routecodec"
	"github.com/coldkeep/sniproxy/internal/routetable"
	"github.com/coldkeep/sniproxy/internal/secretstore"
	"github.com/coldkeep/sniproxy/internal/sniproxy"
	"github.com/coldkeep/sniproxy/internal/statusapi"
)

const name = "sniproxyd"

var (
	version = "0.0.0-dev"
	commit  = "0000000"
	date    = "0001-01-01T00:00:00Z"
)

func printVersion() {
	fmt.Fprintf(os.Stderr, "%s v%s %s (%s)\n", name, version, commit, date)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warn: could not read .env: %s\n", err)
	}

	flags := flag.NewFlagSet("", flag.ContinueOnError)

	var showVersion bool
	flags.BoolVar(&showVersion, "version", false, "Print version and exit")

	frontendPort := flags.Int("frontend-port", atoiOr(envOr("FRONTEND_PORT", "443"), 443), "Public TLS port")
	controlPort := flags.Int("control-port", atoiOr(envOr("CONTROL_PORT", "9443"), 9443), "Control channel port (private)")
	bind := flags.String("bind", envOr("BIND", "0.0.0.0"), "Address to bind public listeners to")
	controlBind := flags.String("control-bind", envOr("CONTROL_BIND", "127.0.0.1"), "Address to bind the control listener to")
	statusBind := flags.String("status-bind", envOr("STATUS_BIND", "127.0.0.1:9080"), "Address to bind the status endpoint to (loopback only)")
	devicePath := flags.String("device", envOr("DEVICE_FILE", "sniproxy.blob"), "Path to the block-device-backed blob store file")
	vaultPath := flags.String("vault", envOr("VAULT_FILE", "secrets.tsv"), "Path to the secret vault TSV file")
	controlKeyRef := flags.String("key", envOr("CONTROL_KEY", ""), "Control channel HMAC key, or a vault:// reference")
	domains := flags.String("domains", envOr("DOMAINS", ""), "Comma-separated list of apex domains to issue certificates for")
	keySeed := flags.String("key-seed", envOr("KEY_SEED", ""), "Global key seed combined per-domain for certificate issuance")
	dnsServer := flags.String("dns-server", envOr("DNS_SERVER", ""), "DNS server address (host:port, default port 53) for DNS-01 issuance")
	dnsKeyRef := flags.String("dns-key", envOr("DNS_KEY", ""), "DNS update credential, or a vault:// reference")
	handshakeTimeout := flags.Duration("handshake-timeout", sniproxy.DefaultHandshakeTimeout, "TLS handshake deadline")

	flags.Usage = func() {
		printVersion()
		fmt.Fprintf(os.Stderr, "\nUSAGE\n   %s [options]\n\nOPTIONS\n", name)
		flags.PrintDefaults()
	}

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "-V", "version", "--version":
			printVersion()
			return
		case "help", "--help":
			flags.Usage()
			os.Exit(0)
		}
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		flags.Usage()
		os.Exit(1)
	}
	if showVersion {
		printVersion()
		return
	}

	log := logging.NewDefault()

	vault, err := secretstore.OpenOrCreate(*vaultPath)
	if err != nil {
		log.Fatal("vault error", "path", *vaultPath, "error", err)
	}

	controlKey := vault.Resolve(*controlKeyRef)
	if controlKey == "" {
		log.Fatal("control channel key is required (-key or CONTROL_KEY)")
	}
	if ref, err := vault.ToRef(*controlKeyRef); err != nil {
		log.Warn("could not provision control channel key into vault", "error", err)
	} else if ref != *controlKeyRef {
		log.Info("control channel key provisioned into vault; use this reference going forward", "ref", ref)
	}

	dnsKey := vault.Resolve(*dnsKeyRef)
	if *dnsKeyRef != "" {
		if ref, err := vault.ToRef(*dnsKeyRef); err != nil {
			log.Warn("could not provision dns update key into vault", "error", err)
		} else if ref != *dnsKeyRef {
			log.Info("dns update key provisioned into vault; use this reference going forward", "ref", ref)
		}
	}

	store, err := blobstore.Open(*devicePath)
	if err != nil {
		log.Fatal("blob store error", "path", *devicePath, "error", err)
	}

	sb, payload, err := store.ReadData()
	if err != nil {
		var bad *blobstore.BadChecksumError
		if !errors.As(err, &bad) {
			log.Fatal("blob store read failed", "error", err)
		}
		sb, err = store.Init()
		if err != nil {
			log.Fatal("blob store init failed", "error", err)
		}
		payload = nil
	}

	initialMap, err := routecodec.DecodeMap(payload)
	if err != nil {
		log.Fatal("stored route map is corrupt", "error", err)
	}
	table := routetable.New(initialMap)

	controlServer := control.New(log, []byte(controlKey), store, table, sb)
	controlLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", *controlBind, *controlPort))
	if err != nil {
		log.Fatal("control listener failed", "error", err)
	}
	go func() {
		if err := controlServer.Serve(controlLn); err != nil {
			log.Error("control server stopped", "error", err)
		}
	}()

	proxy := sniproxy.New(log, table, *handshakeTimeout)

	status := statusapi.New()
	status.SetRevision(sb.Counter)
	status.SetVaultSecrets(vaultEntries(vault.List()))
	go func() {
		if err := http.ListenAndServe(*statusBind, status.Handler()); err != nil { //nolint:gosec // loopback-only introspection endpoint
			log.Error("status endpoint stopped", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	domainList := splitNonEmpty(*domains, ',')
	if len(domainList) > 0 {
		manager := certmanager.New(log, certmanager.Config{
			Domains:      domainList,
			KeySeed:      *keySeed,
			DNSServer:    *dnsServer,
			DNSUpdateKey: dnsKey,
		}, proxy)
		go func() {
			if err := manager.Run(ctx); err != nil {
				log.Fatal("certificate manager failed", "error", err)
			}
		}()
	} else {
		log.Warn("no domains configured, TLS listener will have no certificates installed")
	}

	addr := fmt.Sprintf("%s:%d", *bind, *frontendPort)
	go func() {
		log.Info("listening for TLS", "addr", addr)
		if err := proxy.ListenTLS(addr); err != nil {
			log.Error("tls listener stopped", "error", err)
		}
	}()

	redirectAddr := fmt.Sprintf("%s:80", *bind)
	go func() {
		log.Info("listening for plaintext redirect", "addr", redirectAddr)
		if err := proxy.ListenRedirect(redirectAddr); err != nil {
			log.Error("redirect listener stopped", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGUSR1, syscall.SIGTERM, syscall.SIGINT)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGUSR1:
			log.Info("received SIGUSR1: route table and certificates reload on their own schedules, nothing to do here")
		case syscall.SIGTERM, syscall.SIGINT:
			log.Info("shutting down", "signal", sig)
			cancel()
			_ = store.Close()
			time.Sleep(1 * time.Second)
			os.Exit(0)
		}
	}
}

func atoiOr(s string, fallback int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func vaultEntries(infos []secretstore.Info) []statusapi.VaultEntry {
	out := make([]statusapi.VaultEntry, 0, len(infos))
	for _, info := range infos {
		out = append(out, statusapi.VaultEntry{ID: info.ID, CreatedAt: info.CreatedAt.Format(time.RFC3339)})
	}
	return out
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
