// Command warden authenticates a single credential against the configured
// handler chain, and inspects the chain and the audit log.
//
// Usage:
//
//	warden [-config path] handlers
//	warden [-config path] check -username u (-password p | -password-stdin)
//	warden [-config path] check -token t
//	warden [-config path] check -cert file
//	warden [-config path] audit [-identifier u] [-outcome o] [-since d] [-limit n]
//
// check prints only the verdict. Per-handler failure reasons go to the
// audit log on stderr.
//
// audit lists stored attempts and needs audit.store.type postgres; a memory
// store does not outlive the process that wrote it.
//
// Exit status is 0 when the credential is accepted, 1 when it is rejected
// and 2 on usage or configuration errors.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rhuss/warden/pkg/audit"
	"github.com/rhuss/warden/pkg/config"
	"github.com/rhuss/warden/pkg/credential"
	"github.com/rhuss/warden/pkg/debug"
	"github.com/rhuss/warden/pkg/observability"
)

const (
	exitAccepted = 0
	exitRejected = 1
	exitUsage    = 2
)

const usage = `usage: warden [-config path] <command> [flags]

commands:
  handlers   list the configured handlers in evaluation order
  check      authenticate one credential
  audit      list recent attempts from the audit store`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("warden", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to the configuration file")
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage)
		fmt.Fprintln(stderr, "\nflags:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "warden: %v\n", err)
		return exitUsage
	}
	slog.SetDefault(newLogger(cfg.Logging, stderr))
	debug.Init(cfg.Logging.Debug)

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "handlers":
		return runHandlers(ctx, cfg, stdout, stderr)
	case "check":
		return runCheck(ctx, cfg, cmdArgs, stdin, stdout, stderr)
	case "audit":
		return runAudit(ctx, cfg, cmdArgs, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "warden: unknown command %q\n", cmd)
		fs.Usage()
		return exitUsage
	}
}

func runHandlers(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) int {
	a, err := build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "warden: %v\n", err)
		return exitUsage
	}
	defer a.Close()

	fmt.Fprintf(stdout, "policy: %s\n", a.resolver.Policy())
	for i, name := range a.resolver.Registry().Names() {
		hc := cfg.Handlers[i]
		line := fmt.Sprintf("%d. %s (%s)", i+1, name, hc.Type)
		if hc.Throttle.MaxFailures > 0 {
			line += fmt.Sprintf(" throttle=%d", hc.Throttle.MaxFailures)
		}
		fmt.Fprintln(stdout, line)
	}
	if cats := debug.Categories(); len(cats) > 0 {
		fmt.Fprintf(stdout, "debug: %s\n", strings.Join(cats, ","))
	}
	return exitAccepted
}

func runCheck(ctx context.Context, cfg *config.Config, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	username := fs.String("username", "", "username for password authentication")
	password := fs.String("password", "", "password (visible in the process list, prefer -password-stdin)")
	passwordStdin := fs.Bool("password-stdin", false, "read the password from the first line of stdin")
	token := fs.String("token", "", "bearer token")
	certFile := fs.String("cert", "", "PEM file holding the client certificate chain, leaf first")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cred, err := readCredential(credentialFlags{
		username:      *username,
		password:      *password,
		passwordStdin: *passwordStdin,
		token:         *token,
		certFile:      *certFile,
	}, stdin)
	if err != nil {
		fmt.Fprintf(stderr, "warden check: %v\n", err)
		return exitUsage
	}

	a, err := build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "warden: %v\n", err)
		return exitUsage
	}
	defer a.Close()

	res, err := a.resolver.Authenticate(ctx, cred)
	writeMetrics(cfg.Observability.Metrics)

	if err != nil {
		fmt.Fprintf(stdout, "rejected: %s\n", res.Outcome())
		return exitRejected
	}
	fmt.Fprintf(stdout, "accepted: principal=%s handler=%s\n", res.Principal().ID, res.Handler())
	return exitAccepted
}

type credentialFlags struct {
	username      string
	password      string
	passwordStdin bool
	token         string
	certFile      string
}

// readCredential builds the credential selected by exactly one of the
// username, token and cert flags.
func readCredential(f credentialFlags, stdin io.Reader) (credential.Credential, error) {
	set := 0
	for _, v := range []string{f.username, f.token, f.certFile} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return nil, errors.New("exactly one of -username, -token or -cert is required")
	}

	switch {
	case f.username != "":
		password := f.password
		if f.passwordStdin {
			line, err := bufio.NewReader(stdin).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("reading password: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}
		return credential.NewUsernamePassword(f.username, password), nil

	case f.token != "":
		return credential.NewBearerToken(f.token), nil

	default:
		data, err := os.ReadFile(f.certFile)
		if err != nil {
			return nil, fmt.Errorf("reading certificate: %w", err)
		}
		return credential.ParseCertificatePEM(data)
	}
}

func runAudit(ctx context.Context, cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	identifier := fs.String("identifier", "", "only attempts for this credential identifier")
	outcome := fs.String("outcome", "", "only attempts with this outcome")
	since := fs.Duration("since", 0, "only attempts newer than this duration")
	limit := fs.Int("limit", 20, "maximum number of records (at most 100)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	switch cfg.Audit.Store.Type {
	case "postgres":
	case "memory":
		fmt.Fprintln(stderr, "warden audit: the memory store is empty in a new process; set audit.store.type to \"postgres\"")
		return exitUsage
	default:
		fmt.Fprintf(stderr, "warden audit: no audit store configured (audit.store.type is %q)\n", cfg.Audit.Store.Type)
		return exitUsage
	}

	a, err := build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "warden: %v\n", err)
		return exitUsage
	}
	defer a.Close()

	filter := audit.Filter{Identifier: *identifier, Outcome: *outcome, Limit: *limit}
	if *since > 0 {
		filter.Since = time.Now().Add(-*since)
	}

	records, err := a.store.List(ctx, filter)
	if err != nil {
		fmt.Fprintf(stderr, "warden audit: %v\n", err)
		return exitRejected
	}

	enc := json.NewEncoder(stdout)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			fmt.Fprintf(stderr, "warden audit: %v\n", err)
			return exitRejected
		}
	}
	return exitAccepted
}

// writeMetrics dumps the metrics registry for a textfile collector when one
// is configured.
func writeMetrics(cfg config.MetricsConfig) {
	if !cfg.Enabled || cfg.Textfile == "" {
		return
	}
	if err := observability.WriteTextfile(cfg.Textfile); err != nil {
		slog.Warn("writing metrics textfile", "path", cfg.Textfile, "error", err)
	}
}
