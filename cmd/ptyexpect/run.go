package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/acolita/ptyexpect/internal/adapters/realfs"
	"github.com/acolita/ptyexpect/internal/adapters/realkeyring"
	"github.com/acolita/ptyexpect/internal/config"
	"github.com/acolita/ptyexpect/internal/logging"
	"github.com/acolita/ptyexpect/internal/ports"
	"github.com/acolita/ptyexpect/internal/script"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

type flags struct {
	configPath  string
	debug       bool
	recordDir   string
	watch       bool
	showVersion bool
}

// overrides applies command line settings on top of a loaded config.
func (f flags) overrides(cfg *config.Config) {
	if f.debug {
		cfg.Logging.Level = "debug"
	}
	if f.recordDir != "" {
		cfg.Recording.Enabled = true
		cfg.Recording.Path = f.recordDir
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var f flags
	fset := flag.NewFlagSet("ptyexpect", flag.ContinueOnError)
	fset.SetOutput(stderr)
	fset.StringVar(&f.configPath, "config", "", "Path to configuration file (default: "+config.DefaultConfigPath()+")")
	fset.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	fset.StringVar(&f.recordDir, "record", "", "Record every session as asciicast into this directory")
	fset.BoolVar(&f.watch, "watch", false, "Rerun a script whenever its file changes")
	fset.BoolVar(&f.showVersion, "version", false, "Show version information")
	fset.Usage = func() {
		fmt.Fprintln(stderr, "usage: ptyexpect [flags] <script glob>...")
		fset.PrintDefaults()
	}
	if err := fset.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	if f.showVersion {
		fmt.Fprintf(stdout, "ptyexpect version %s\n", Version)
		fmt.Fprintf(stdout, "  Build time: %s\n", BuildTime)
		fmt.Fprintf(stdout, "  Git commit: %s\n", GitCommit)
		return exitOK
	}
	if fset.NArg() == 0 {
		fset.Usage()
		return exitUsage
	}

	configPath := f.configPath
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return exitFailed
	}
	f.overrides(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Invalid configuration: %v\n", err)
		return exitFailed
	}

	slog.SetDefault(logging.New(stderr, cfg.Logging.Level, cfg.Logging.Sanitize))

	fs := realfs.New()
	var scripts []*script.Script
	for _, pattern := range fset.Args() {
		matched, err := script.LoadGlob(fs, pattern)
		if err != nil {
			fmt.Fprintf(stderr, "Error loading scripts: %v\n", err)
			return exitFailed
		}
		if len(matched) == 0 {
			fmt.Fprintf(stderr, "No scripts match %q\n", pattern)
			return exitFailed
		}
		scripts = append(scripts, matched...)
	}

	a := &app{
		stdout: stdout,
		fs:     fs,
		runner: script.NewRunner(realkeyring.New(), nil),
		cfg:    cfg,
	}

	failed := 0
	for _, s := range scripts {
		if ctx.Err() != nil {
			break
		}
		if !a.runScript(ctx, s) {
			failed++
		}
	}

	if f.watch {
		if err := a.watch(ctx, f, configPath, scripts); err != nil {
			fmt.Fprintf(stderr, "Error watching scripts: %v\n", err)
			return exitFailed
		}
		return exitOK
	}

	if failed > 0 || ctx.Err() != nil {
		return exitFailed
	}
	return exitOK
}

type app struct {
	stdout io.Writer
	fs     ports.FileSystem
	runner *script.Runner

	mu  sync.Mutex
	cfg *config.Config
}

func (a *app) config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

func (a *app) setConfig(cfg *config.Config) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

// runScript runs s and reports the outcome on stdout.
func (a *app) runScript(ctx context.Context, s *script.Script) bool {
	cfg := a.config()

	var (
		res *script.Result
		err error
	)
	if s.Server != "" {
		server, ok := cfg.Server(s.Server)
		if !ok {
			err = fmt.Errorf("unknown server %q", s.Server)
		} else {
			res, err = a.runner.ExecSSH(ctx, s, cfg.SSHOptions(server, a.fs), cfg.SpawnOptions())
		}
	} else {
		res, err = a.runner.Exec(ctx, s, cfg.SpawnOptions())
	}

	switch {
	case err != nil:
		fmt.Fprintf(a.stdout, "FAIL %s: %v\n", s.Name, err)
		return false
	case !res.Passed():
		fmt.Fprintf(a.stdout, "FAIL %s (%s): %v\n", s.Name, res.Duration.Round(time.Millisecond), res.Err)
		return false
	}
	fmt.Fprintf(a.stdout, "PASS %s (%s)\n", s.Name, res.Duration.Round(time.Millisecond))
	return true
}

// watch reruns scripts as their files change until ctx is done. The
// config file is reloaded too, keeping the command line overrides.
func (a *app) watch(ctx context.Context, f flags, configPath string, scripts []*script.Script) error {
	if f.configPath != "" {
		cw, err := config.NewWatcher(configPath, func(cfg *config.Config) {
			f.overrides(cfg)
			a.setConfig(cfg)
		})
		if err != nil {
			slog.Warn("config hot-reload disabled", slog.String("error", err.Error()))
		} else {
			defer cw.Close()
		}
	}

	paths := make([]string, 0, len(scripts))
	for _, s := range scripts {
		paths = append(paths, s.Path)
	}
	fw, err := config.WatchFiles(paths, func(path string) {
		s, err := script.Load(a.fs, path)
		if err != nil {
			// editors often write in several steps; the next event retries
			slog.Warn("skipping changed script", slog.String("path", path), slog.String("error", err.Error()))
			return
		}
		a.runScript(ctx, s)
	})
	if err != nil {
		return err
	}
	defer fw.Close()

	slog.Info("watching scripts", slog.Int("count", len(paths)))
	<-ctx.Done()
	return nil
}
