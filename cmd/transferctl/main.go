// Package main is the entry point for transferctl, a command-line client for
// the file transfer service.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"transferclient/config"
	"transferclient/internal/core"
	"transferclient/internal/logging"
	"transferclient/internal/version"
)

type command struct {
	usage string
	run   func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"health":   {"health", runHealth},
	"whoami":   {"whoami", runWhoami},
	"upload":   {"upload <file>...", runUpload},
	"download": {"download [-o dir] <file-id>", runDownload},
	"status":   {"status <file-id>", runStatus},
	"events":   {"events [-socket] <path>", runEvents},
	"settings": {"settings [-max-file-size n] [-priority p] ...", runSettings},
	"login":    {"login [-token t]", runLogin},
	"logout":   {"logout", runLogout},
	"watch":    {"watch", runWatch},
}

func main() {
	versionFlag := flag.Bool("version", false, "Print version information")
	flag.Usage = usage
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.Info())
		os.Exit(0)
	}
	os.Exit(run(flag.Args()))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 2
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logger := logging.New(logging.Options{Format: format, Level: level})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger, os.Stdin, os.Stdout)
	if err != nil {
		logger.Error("failed to initialize client", "error", err)
		return 1
	}
	defer a.Close()
	a.serveMetrics(ctx)

	logger.Debug("running command", "command", args[0], "version", version.Version, "base_url", cfg.Client.BaseURL)
	return exitCode(a, cmd.run(ctx, a, args[1:]))
}

// exitCode maps a command error to a process status. Cancellation is the
// user's own doing and is not reported as a failure.
func exitCode(a *app, err error) int {
	switch {
	case err == nil:
		return 0
	case core.IsCancelled(err):
		return 130
	default:
		a.logger.Error("command failed", "error", err)
		return 1
	}
}

func usage() {
	printUsage(os.Stderr)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: transferctl [-version] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s\n", commands[name].usage)
	}
}
