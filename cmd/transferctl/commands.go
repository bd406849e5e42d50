package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"transferclient/internal/apiclient"
	"transferclient/internal/core"
	"transferclient/internal/credential"
	"transferclient/internal/queue"
	"transferclient/internal/retry"
	"transferclient/internal/session"
	"transferclient/internal/transfer"
)

var errUsage = errors.New("invalid arguments")

func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runHealth(ctx context.Context, a *app, _ []string) error {
	h, err := retry.Do(ctx, a.policy, a.api.Health)
	if err != nil {
		fmt.Fprintln(a.out, "unreachable")
		return err
	}
	fmt.Fprintln(a.out, h.Status)
	if h.Status != "healthy" {
		return fmt.Errorf("service is %s", h.Status)
	}
	return nil
}

func runWhoami(ctx context.Context, a *app, _ []string) error {
	me, err := retry.Do(ctx, a.policy, a.api.Me)
	if err != nil {
		if core.StatusOf(err) == http.StatusUnauthorized {
			return errors.New("not logged in")
		}
		return err
	}
	return a.printJSON(me)
}

func runStatus(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: status <file-id>", errUsage)
	}
	st, err := retry.Do(ctx, a.policy, func(ctx context.Context) (*core.FileStatusResponse, error) {
		return a.api.FileStatus(ctx, args[0])
	})
	if err != nil {
		return err
	}
	return a.printJSON(st)
}

func runUpload(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: upload <file>...", errUsage)
	}

	files := make([]transfer.File, 0, len(args))
	for _, path := range args {
		f, closer, err := transfer.Open(path)
		if err != nil {
			return err
		}
		defer closer.Close()
		files = append(files, f)
	}

	q := queue.New(a.engine,
		queue.WithLimit(a.cfg.Transfer.QueueLimit),
		queue.WithLogger(a.logger),
		queue.WithHooks(a.hooks),
		queue.OnFinalize(func(it queue.Item) {
			switch it.Status {
			case core.StatusCompleted:
				fmt.Fprintf(a.out, "uploaded  %s\n", it.Target)
			case core.StatusCancelled:
				fmt.Fprintf(a.out, "cancelled %s\n", it.Target)
			default:
				fmt.Fprintf(a.out, "failed    %s: %v\n", it.Target, it.Err)
			}
		}),
	)

	// Transfers run on their own context so an interrupt goes through
	// CancelAll and every task ends as cancelled.
	tasks, err := q.Enqueue(context.WithoutCancel(ctx), files...)
	if err != nil {
		a.logger.Warn("some files were not queued", "error", err)
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				q.CancelAll()
				return
			case <-ticker.C:
				for _, it := range q.Snapshot() {
					if p, ok := it.Progress.Percent(); ok && it.Status == core.StatusInProgress {
						fmt.Fprintf(a.out, "%5.1f%%    %s\n", p, it.Target)
					}
				}
			}
		}
	}()
	_ = q.Wait(context.Background())
	close(done)

	var failed, cancelled int
	for _, t := range tasks {
		res, err := t.Wait(context.Background())
		switch {
		case core.IsCancelled(err):
			cancelled++
		case err != nil:
			failed++
		default:
			if obj, ok := res.Object(); ok {
				if resp, err := core.DecodeUploadResponse(obj); err == nil {
					a.logger.Info("upload stored", "file", t.Target(), "file_id", resp.FileID, "size", resp.Size)
				}
			}
		}
	}
	switch {
	case failed > 0:
		return fmt.Errorf("%d of %d uploads failed", failed, len(tasks))
	case cancelled > 0:
		return core.NewCancelledError("Upload cancelled", nil)
	}
	return err
}

func runDownload(ctx context.Context, a *app, args []string) error {
	fs := newFlags("download")
	dir := fs.String("o", ".", "destination directory")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		return fmt.Errorf("%w: download [-o dir] <file-id>", errUsage)
	}
	id := fs.Arg(0)

	tmp, err := os.CreateTemp(*dir, ".transferctl-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	last := -1
	task, err := a.engine.DownloadTo(ctx, id, tmp, func(percent float64, loaded, total int64) {
		if p := int(percent) / 10 * 10; p > last {
			last = p
			fmt.Fprintf(a.out, "%3d%%  %d/%d bytes\n", p, loaded, total)
		}
	})
	if err != nil {
		return err
	}
	res, err := task.Wait(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}

	dest := filepath.Join(*dir, filepath.Base(res.Filename))
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("save %s: %w", dest, err)
	}
	fmt.Fprintf(a.out, "saved %s (%d bytes, xxhash %016x)\n", dest, res.Bytes, res.Digest)
	return nil
}

func runEvents(ctx context.Context, a *app, args []string) error {
	fs := newFlags("events")
	socket := fs.Bool("socket", false, "use a websocket instead of server-sent events")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		return fmt.Errorf("%w: events [-socket] <path>", errUsage)
	}
	path := fs.Arg(0)

	if *socket {
		sock, err := a.streams.OpenSocket(ctx, path)
		if err != nil {
			return err
		}
		defer sock.Close()
		for {
			msg, err := sock.ReceiveText()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			fmt.Fprintln(a.out, msg)
		}
	}

	stream, err := a.streams.OpenEventStream(ctx, path)
	if err != nil {
		return err
	}
	defer stream.Close()
	for {
		ev, err := stream.Next()
		switch {
		case errors.Is(err, io.EOF), core.IsCancelled(err):
			return nil
		case err != nil:
			return err
		}
		fmt.Fprintf(a.out, "event=%s id=%s data=%s\n", ev.Type, ev.ID, ev.Data)
	}
}

func runSettings(ctx context.Context, a *app, args []string) error {
	s := core.DefaultUserSettings()
	fs := newFlags("settings")
	fs.IntVar(&s.MaxFileSize, "max-file-size", s.MaxFileSize, "maximum upload size in MB")
	fs.BoolVar(&s.AutoProcess, "auto-process", s.AutoProcess, "process files after upload")
	fs.StringVar(&s.DefaultPriority, "priority", s.DefaultPriority, "default transfer priority")
	fs.BoolVar(&s.ResumeTransfers, "resume", s.ResumeTransfers, "resume interrupted transfers")
	fs.BoolVar(&s.NotifyUploads, "notify-uploads", s.NotifyUploads, "notify on upload completion")
	fs.BoolVar(&s.NotifyTransfers, "notify-transfers", s.NotifyTransfers, "notify on transfer completion")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	saved, err := retry.Do(ctx, a.policy, func(ctx context.Context) (*core.UserSettings, error) {
		return a.api.SaveSettings(ctx, s)
	})
	if err != nil {
		return err
	}
	return a.printJSON(saved)
}

func runLogin(ctx context.Context, a *app, args []string) error {
	fs := newFlags("login")
	token := fs.String("token", "", "access token; prompted for when omitted")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: login [-token t]", errUsage)
	}

	if *token == "" {
		t, err := a.readToken()
		if err != nil {
			return err
		}
		*token = t
	}
	if *token == "" {
		return errors.New("empty token")
	}

	probe := apiclient.New(a.api.Config(), credential.Static(*token), apiclient.WithHTTPClient(a.api.HTTPClient()))
	ok, err := session.NewChecker(probe).CheckAuth(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("token rejected by the service")
	}

	if err := a.store.Set(ctx, *token); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	fmt.Fprintln(a.out, "logged in")
	return nil
}

// readToken prompts without echo on a terminal and reads one line otherwise.
func (a *app) readToken() (string, error) {
	if f, ok := a.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(a.out, "Token: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(a.out)
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(a.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func runLogout(ctx context.Context, a *app, _ []string) error {
	if err := a.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	fmt.Fprintln(a.out, "logged out")
	return nil
}

func runWatch(ctx context.Context, a *app, _ []string) error {
	expired := make(chan struct{})
	m := session.NewMonitor(a.checker, a.store,
		session.WithInterval(a.cfg.Auth.LivenessInterval),
		session.WithLogger(a.logger),
		session.OnExpired(func() { close(expired) }),
	)

	if m.Check(ctx) {
		return errors.New("session expired")
	}
	fmt.Fprintf(a.out, "watching session every %s\n", a.cfg.Auth.LivenessInterval)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-expired:
			cancel()
		case <-ctx.Done():
		}
	}()
	m.Run(ctx)

	select {
	case <-expired:
		return errors.New("session expired")
	default:
		return nil
	}
}
