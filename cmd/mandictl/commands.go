package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"mandi.org/internal/access"
	"mandi.org/internal/auth"
	"mandi.org/internal/migrate"
	"mandi.org/internal/remote"
	"mandi.org/internal/session"
	"mandi.org/internal/stepup"
	"mandi.org/internal/store"
	"mandi.org/internal/store/pg"
)

var errOffline = errors.New("admin api is not configured")

// fileConfig serves a UI config saved as JSON, for offline evaluation.
type fileConfig struct {
	path string
}

func (f fileConfig) FetchUIConfig(context.Context, string) (access.UIConfig, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return access.UIConfig{}, err
	}
	var cfg access.UIConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return access.UIConfig{}, fmt.Errorf("parse %s: %w", f.path, err)
	}
	return cfg, nil
}

type offlineGate struct{}

func (offlineGate) Inquire(context.Context, stepup.InquiryRequest) (stepup.InquiryResponse, error) {
	return stepup.InquiryResponse{}, errOffline
}

func (offlineGate) Verify(context.Context, stepup.VerifyRequest) (stepup.VerifyResponse, error) {
	return stepup.VerifyResponse{}, errOffline
}

type sessionFlags struct {
	user     string
	uiConfig string
}

func (f *sessionFlags) add(fs *pflag.FlagSet) {
	fs.StringVarP(&f.user, "user", "u", os.Getenv("MANDI_USER"), "admin user id")
	fs.StringVar(&f.uiConfig, "ui-config", "", "read the UI config from a JSON file instead of the admin API")
}

func (env *cliEnv) client() (*remote.Client, error) {
	if strings.TrimSpace(env.cfg.API.BaseURL) == "" {
		return nil, errOffline
	}
	return remote.New(env.cfg.API.BaseURL, remote.WithTimeout(env.cfg.API.Timeout), remote.WithBearer(env.cfg.API.Token))
}

// session loads an engine session for the flags. deps fills in what the UI
// config source does not.
func (env *cliEnv) session(ctx context.Context, f sessionFlags, deps session.Deps) (*session.Session, error) {
	if strings.TrimSpace(f.user) == "" {
		return nil, usageError("--user is required")
	}
	if f.uiConfig != "" {
		deps.Config = fileConfig{path: f.uiConfig}
	} else if deps.Config == nil {
		client, err := env.client()
		if err != nil {
			return nil, fmt.Errorf("%w: pass --ui-config or set MANDI_API_URL", err)
		}
		deps.Config = client
	}
	if deps.Gate == nil {
		deps.Gate = offlineGate{}
	}
	s, err := session.New(f.user, deps)
	if err != nil {
		return nil, err
	}
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (env *cliEnv) print(v any) error {
	enc := json.NewEncoder(env.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runCan(ctx context.Context, env *cliEnv, args []string) error {
	var sf sessionFlags
	fs, err := subFlags("can", args, env.stderr, sf.add)
	if err != nil {
		return err
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return usageError("can <resource_key> [action]")
	}
	s, err := env.session(ctx, sf, session.Deps{})
	if err != nil {
		return err
	}
	key, action := fs.Arg(0), fs.Arg(1)
	return env.print(map[string]any{
		"allowed":      s.Can(key, action),
		"resource_key": access.CanonicalKey(key),
		"action":       access.CanonicalAction(action),
		"role":         s.Role(),
	})
}

func runLock(ctx context.Context, env *cliEnv, args []string) error {
	var sf sessionFlags
	var record string
	fs, err := subFlags("lock", args, env.stderr, func(fs *pflag.FlagSet) {
		sf.add(fs)
		fs.StringVar(&record, "record", "", "record as JSON, or @file")
	})
	if err != nil {
		return err
	}
	if fs.NArg() != 0 || record == "" {
		return usageError("lock --record '{...}'")
	}
	raw := []byte(record)
	if strings.HasPrefix(record, "@") {
		if raw, err = os.ReadFile(strings.TrimPrefix(record, "@")); err != nil {
			return err
		}
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("parse record: %w", err)
	}
	s, err := env.session(ctx, sf, session.Deps{})
	if err != nil {
		return err
	}
	return env.print(s.IsLocked(access.RecordFromMap(fields)))
}

func runRoute(ctx context.Context, env *cliEnv, args []string) error {
	var sf sessionFlags
	fs, err := subFlags("route", args, env.stderr, sf.add)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageError("route <path>")
	}
	s, err := env.session(ctx, sf, session.Deps{})
	if err != nil {
		return err
	}
	key, found := s.ResolveRoute(fs.Arg(0))
	return env.print(map[string]any{
		"path":         access.NormalizePath(fs.Arg(0)),
		"resource_key": key,
		"found":        found,
	})
}

func runStepUp(ctx context.Context, env *cliEnv, args []string) error {
	var (
		sf     sessionFlags
		key    string
		path   string
		action string
		backup bool
	)
	fs, err := subFlags("stepup", args, env.stderr, func(fs *pflag.FlagSet) {
		sf.add(fs)
		fs.StringVar(&key, "key", "", "resource key to verify for")
		fs.StringVar(&path, "path", "", "navigation path to verify for")
		fs.StringVarP(&action, "action", "a", "VIEW", "gated action")
		fs.BoolVar(&backup, "backup", false, "answer with a backup code instead of a one-time code")
	})
	if err != nil {
		return err
	}
	if fs.NArg() != 0 || (key == "") == (path == "") {
		return usageError("stepup --key <resource_key> | --path <path> [--action A]")
	}
	client, err := env.client()
	if err != nil {
		return err
	}
	backend, err := store.Open(ctx, env.cfg.Storage)
	if err != nil {
		return err
	}
	defer backend.Close()

	s, err := env.session(ctx, sf, session.Deps{
		Config:   client,
		Policy:   client,
		Gate:     client,
		Storage:  backend,
		Prompter: termPrompter(env.stdin, env.stderr, backup),
		StepUp: []stepup.Option{
			stepup.WithEnrollRoute(env.cfg.StepUp.EnrollRoute),
			stepup.WithPromptTimeout(env.cfg.StepUp.PromptTimeout),
			stepup.WithNotifier(cliNotifier{w: env.stderr}),
		},
	})
	if err != nil {
		return err
	}
	var res stepup.Result
	if key != "" {
		res = s.EnsureStepUp(ctx, key, action)
	} else {
		res = s.EnsureStepUpForPath(ctx, path, action)
	}
	out := map[string]any{
		"allowed":      res.Allowed,
		"resource_key": res.ResourceKey,
		"verdict":      res.Verdict,
		"path":         res.Path,
	}
	if res.Err != nil {
		out["error"] = res.Err.Error()
	}
	if err := env.print(out); err != nil {
		return err
	}
	if !res.Allowed {
		return errors.New("step-up not passed")
	}
	return nil
}

// termPrompter reads the code with echo off when stdin is a terminal, else one line.
func termPrompter(stdin *os.File, stderr io.Writer, backup bool) stepup.Prompter {
	return stepup.PrompterFunc(func(ctx context.Context, ch stepup.Challenge) (stepup.Code, error) {
		label := "One-time code"
		if backup {
			label = "Backup code"
		}
		fmt.Fprintf(stderr, "%s for %s %s: ", label, ch.Action, ch.ResourceKey)

		var value string
		fd := int(stdin.Fd())
		if term.IsTerminal(fd) {
			b, err := term.ReadPassword(fd)
			fmt.Fprintln(stderr)
			if err != nil {
				return stepup.Code{}, fmt.Errorf("read code: %w", err)
			}
			value = string(b)
		} else {
			line, err := bufio.NewReader(stdin).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return stepup.Code{}, fmt.Errorf("read code: %w", err)
			}
			value = line
		}
		if err := ctx.Err(); err != nil {
			return stepup.Code{}, err
		}
		value = strings.TrimSpace(value)
		if backup {
			return stepup.Code{BackupCode: value}, nil
		}
		return stepup.Code{OTP: value}, nil
	})
}

type cliNotifier struct {
	w io.Writer
}

func (n cliNotifier) Warn(_ context.Context, msg string) { fmt.Fprintln(n.w, "warning:", msg) }

func (n cliNotifier) Redirect(_ context.Context, route string) {
	fmt.Fprintln(n.w, "continue at:", route)
}

func (n cliNotifier) Report(_ context.Context, err error) { fmt.Fprintln(n.w, "error:", err) }

func runRegistry(ctx context.Context, env *cliEnv, args []string) error {
	var sf sessionFlags
	var strict bool
	fs, err := subFlags("registry", args, env.stderr, func(fs *pflag.FlagSet) {
		sf.add(fs)
		fs.BoolVar(&strict, "strict", false, "fail when the registry and ui config disagree")
	})
	if err != nil {
		return err
	}
	if fs.NArg() != 1 || fs.Arg(0) != "diff" {
		return usageError("registry diff [--strict]")
	}
	client, err := env.client()
	if err != nil {
		return err
	}
	s, err := env.session(ctx, sf, session.Deps{Config: client})
	if err != nil {
		return err
	}
	entries, err := client.FetchRegistry(ctx)
	if err != nil {
		return err
	}
	report := access.Reconcile(entries, s.Resources())
	if err := env.print(report); err != nil {
		return err
	}
	if strict && !report.Clean() {
		return errors.New("registry drift detected")
	}
	return nil
}

func runToken(_ context.Context, env *cliEnv, args []string) error {
	var (
		user string
		role string
		org  string
		ttl  time.Duration
	)
	fs, err := subFlags("token", args, env.stderr, func(fs *pflag.FlagSet) {
		fs.StringVarP(&user, "user", "u", "", "user id")
		fs.StringVar(&role, "role", "", "admin role")
		fs.StringVar(&org, "org", "", "org id")
		fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	})
	if err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return usageError("token --user U [--role R] [--org O] [--ttl 1h]")
	}
	signer, err := auth.NewSigner(env.cfg.Auth.Secret, auth.WithIssuer(env.cfg.Auth.Issuer))
	if err != nil {
		return err
	}
	tok, err := signer.Generate(auth.Identity{UserID: user, Role: role, OrgID: org}, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(env.stdout, tok)
	return err
}

func runMigrate(ctx context.Context, env *cliEnv, args []string) error {
	fs, err := subFlags("migrate", args, env.stderr, func(*pflag.FlagSet) {})
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageError("migrate up|down|status")
	}
	db, err := pg.Open(env.cfg.Storage.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	mgr := migrate.NewManager(db.DB(), pg.Migrations())

	switch fs.Arg(0) {
	case "up":
		applied, err := mgr.Up(ctx)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintln(env.stdout, "up to date")
		}
		for _, name := range applied {
			fmt.Fprintln(env.stdout, "applied", name)
		}
	case "down":
		name, err := mgr.Down(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(env.stdout, "reverted", name)
	case "status":
		history, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		for _, name := range history {
			fmt.Fprintln(env.stdout, name)
		}
	default:
		return usageError("unknown migrate command %q", fs.Arg(0))
	}
	return nil
}

func runCache(ctx context.Context, env *cliEnv, args []string) error {
	var prefix, user string
	fs, err := subFlags("cache", args, env.stderr, func(fs *pflag.FlagSet) {
		fs.StringVar(&prefix, "prefix", "mandi:", "key prefix to purge")
		fs.StringVarP(&user, "user", "u", "", "purge only the entries of this user")
	})
	if err != nil {
		return err
	}
	if fs.NArg() != 1 || fs.Arg(0) != "purge" {
		return usageError("cache purge [--prefix P | --user U]")
	}
	backend, err := store.Open(ctx, env.cfg.Storage)
	if err != nil {
		return err
	}
	defer backend.Close()

	if user = strings.TrimSpace(user); user != "" {
		var errs []error
		for _, key := range []string{session.ConfigKey(user), session.TokenKey(user)} {
			errs = append(errs, backend.Delete(ctx, key))
		}
		if err := errors.Join(errs...); err != nil {
			return err
		}
		_, err = fmt.Fprintln(env.stdout, "purged", user)
		return err
	}
	if strings.TrimSpace(prefix) == "" {
		return usageError("--prefix must not be empty")
	}
	n, err := backend.DeletePrefix(ctx, prefix)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(env.stdout, "purged %d keys\n", n)
	return err
}
