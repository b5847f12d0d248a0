// Command mandictl evaluates permissions, runs step-up and maintains gateway
// storage from the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"mandi.org/internal/config"
)

type command struct {
	summary string
	run     func(ctx context.Context, env *cliEnv, args []string) error
}

type cliEnv struct {
	cfg    config.Config
	stdout io.Writer
	stderr io.Writer
	stdin  *os.File
}

var errUsage = errors.New("usage")

func commands() map[string]command {
	return map[string]command{
		"can":      {summary: "check an action on a resource key", run: runCan},
		"lock":     {summary: "evaluate the record lock of a JSON record", run: runLock},
		"route":    {summary: "resolve a navigation path to its resource key", run: runRoute},
		"stepup":   {summary: "run step-up verification for a key or path", run: runStepUp},
		"registry": {summary: "diff the resource registry against the ui config", run: runRegistry},
		"token":    {summary: "issue a signed bearer token", run: runToken},
		"migrate":  {summary: "apply or inspect postgres storage migrations", run: runMigrate},
		"cache":    {summary: "purge stored client state", run: runCache},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "mandictl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin *os.File, stdout, stderr io.Writer) error {
	flagSet := pflag.NewFlagSet("mandictl", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.SetInterspersed(false)
	configPath := flagSet.String("config", os.Getenv("MANDI_CONFIG"), "path to YAML config")
	flagSet.BoolP("help", "h", false, "show help")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(stderr, flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help || flagSet.NArg() == 0 {
		printHelp(stderr, flagSet)
		if help {
			return nil
		}
		return errUsage
	}

	name := flagSet.Arg(0)
	cmd, ok := commands()[name]
	if !ok {
		printHelp(stderr, flagSet)
		return fmt.Errorf("unknown command %q", name)
	}
	cfg, err := config.Load(*configPath, nil)
	if err != nil {
		return err
	}
	env := &cliEnv{cfg: cfg, stdout: stdout, stderr: stderr, stdin: stdin}
	return cmd.run(ctx, env, flagSet.Args()[1:])
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintln(w, "usage: mandictl [--config file] <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-9s %s\n", name, cmds[name].summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "flags:")
	fmt.Fprint(w, flagSet.FlagUsages())
}

// subFlags parses the flags of one command. Extra positional arguments are left
// in the returned set.
func subFlags(name string, args []string, stderr io.Writer, define func(*pflag.FlagSet)) (*pflag.FlagSet, error) {
	fs := pflag.NewFlagSet("mandictl "+name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	define(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, errUsage
		}
		return nil, err
	}
	return fs, nil
}

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, strings.TrimSpace(fmt.Sprintf(format, args...)))
}
