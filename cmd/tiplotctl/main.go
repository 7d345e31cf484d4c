// tiplotctl is an interactive shell over saved tiplot sessions.
//
// It loads a session file into a local store and answers value, summary,
// export and SQL queries against it. With a terminal on stdin it runs an
// interactive prompt with completion; otherwise it reads one command per
// line, which makes it scriptable:
//
//	echo "summary imu" | tiplotctl -load flight.arrow
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	prompt "github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"github.com/xtxerr/tiplot/internal/export"
	"github.com/xtxerr/tiplot/internal/interp"
	"github.com/xtxerr/tiplot/internal/loader"
	"github.com/xtxerr/tiplot/internal/logging"
	"github.com/xtxerr/tiplot/internal/shell"
	"github.com/xtxerr/tiplot/internal/store"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	loadPath := flag.String("load", "", "session file to load before the first command")
	command := flag.String("c", "", "run one command and exit")
	verbose := flag.Bool("v", false, "log to stderr")
	flag.Parse()

	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fatal(err)
		}
		cfg = loader.DefaultConfig()
	}
	if err := loader.Validate(cfg); err != nil {
		fatal(err)
	}

	if *verbose {
		logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format == "json")
	} else {
		logging.Discard()
	}

	exec, err := newExecutor(cfg)
	if err != nil {
		fatal(err)
	}
	defer exec.Close()

	ctx := context.Background()
	if *loadPath != "" {
		if err := exec.Execute(ctx, "load "+*loadPath); err != nil {
			fatal(err)
		}
	}

	switch {
	case *command != "":
		if err := exec.Execute(ctx, *command); err != nil && !errors.Is(err, shell.ErrQuit) {
			fatal(err)
		}
	case term.IsTerminal(int(os.Stdin.Fd())):
		interactive(ctx, exec)
	default:
		if err := batch(ctx, exec, os.Stdin); err != nil {
			fatal(err)
		}
	}
}

func newExecutor(cfg *loader.Config) (*shell.Executor, error) {
	mode, err := interp.ParseMode(cfg.Interpolation.DefaultMode)
	if err != nil {
		return nil, err
	}
	compression, err := export.ParseCompressionType(cfg.Export.Compression)
	if err != nil {
		return nil, err
	}
	opts := export.DefaultOptions()
	opts.Compression = compression

	return shell.New(shell.Config{
		SessionFile: cfg.Session.SavePath,
		ExportDir:   cfg.Export.Dir,
		Export:      opts,
		Mode:        mode,
	}, store.New(), os.Stdout), nil
}

// batch runs one command per line and stops at the first error.
func batch(ctx context.Context, exec *shell.Executor, r io.Reader) error {
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		err := exec.Execute(ctx, sc.Text())
		if errors.Is(err, shell.ErrQuit) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	return sc.Err()
}

func interactive(ctx context.Context, exec *shell.Executor) {
	fmt.Printf("tiplotctl %s. Type help for commands.\n", Version)

	quit := false
	p := prompt.New(
		func(line string) {
			err := exec.Execute(ctx, line)
			switch {
			case errors.Is(err, shell.ErrQuit):
				quit = true
			case err != nil:
				fmt.Fprintln(os.Stderr, "error:", err)
			}
		},
		completer(exec),
		prompt.OptionPrefix("tiplot> "),
		prompt.OptionTitle("tiplotctl"),
		prompt.OptionSetExitCheckerOnInput(func(string, bool) bool { return quit }),
	)
	p.Run()
}

// completer suggests command names first, then topics, then columns of the
// chosen topic.
func completer(exec *shell.Executor) prompt.Completer {
	cmds := shell.Commands()
	cmdSuggest := make([]prompt.Suggest, len(cmds))
	for i, c := range cmds {
		cmdSuggest[i] = prompt.Suggest{Text: c.Name, Description: c.Summary}
	}
	var modeSuggest []prompt.Suggest
	for _, m := range []interp.Mode{interp.PreviousPoint, interp.Linear, interp.NextPoint} {
		modeSuggest = append(modeSuggest, prompt.Suggest{Text: m.String()})
	}

	return func(d prompt.Document) []prompt.Suggest {
		word := d.GetWordBeforeCursor()
		args := strings.Fields(d.TextBeforeCursor())
		if word != "" && len(args) > 0 {
			args = args[:len(args)-1]
		}

		var s []prompt.Suggest
		switch len(args) {
		case 0:
			s = cmdSuggest
		case 1:
			if args[0] == "mode" {
				s = modeSuggest
				break
			}
			if !takesTopic(args[0]) {
				return nil
			}
			for _, t := range exec.Topics() {
				s = append(s, prompt.Suggest{Text: t})
			}
		case 2:
			if !takesColumn(args[0]) {
				return nil
			}
			for _, c := range exec.Columns(args[1]) {
				s = append(s, prompt.Suggest{Text: c})
			}
		case 4:
			if args[0] == "value" {
				s = modeSuggest
			}
		}
		return prompt.FilterHasPrefix(s, word, true)
	}
}

func takesTopic(cmd string) bool {
	switch cmd {
	case "columns", "value", "summary", "export", "colstats", "window":
		return true
	}
	return false
}

func takesColumn(cmd string) bool {
	switch cmd {
	case "value", "summary", "colstats", "window":
		return true
	}
	return false
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "tiplotctl:", err)
	os.Exit(1)
}
