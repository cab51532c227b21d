// boxexec compiles and runs a single program inside an isolate box under
// the given resource limits, then prints the verdict and the captured
// output. It is the manual driving seat for the sandbox layer; the judge
// workers use the same isolate package programmatically.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/urfave/cli/v3"

	"github.com/judicia/isolate-box/internal/artifact"
	"github.com/judicia/isolate-box/internal/environment"
	"github.com/judicia/isolate-box/internal/xdg"
	"github.com/judicia/isolate-box/isolate"
)

func main() {
	cmd := &cli.Command{
		Name:  "boxexec",
		Usage: "run a program inside an isolate box under resource limits",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "TOML config file"},
			&cli.StringFlag{Name: "source", Usage: "source file to compile before running"},
			&cli.StringFlag{Name: "source-name", Value: "main.cpp", Usage: "filename for the source inside the box"},
			&cli.StringFlag{Name: "compile-cmd", Usage: "compiler invocation, run inside the box"},
			&cli.StringFlag{Name: "compile-out", Value: "main", Usage: "artifact the compiler produces"},
			&cli.StringFlag{Name: "stdin", Usage: "host file fed to the program's stdin"},
			&cli.FloatFlag{Name: "time", Value: 1.0, Usage: "CPU time limit in seconds"},
			&cli.FloatFlag{Name: "wall-time", Usage: "wall clock limit in seconds"},
			&cli.FloatFlag{Name: "extra-time", Value: 0.5, Usage: "grace after the CPU limit before the kill"},
			&cli.Uint32Flag{Name: "mem", Value: 262144, Usage: "cgroup memory limit in KB"},
			&cli.Uint32Flag{Name: "processes", Value: 1, Usage: "process/thread limit, 0 = unlimited"},
			&cli.BoolFlag{Name: "verbose", Usage: "debug logging and verbose isolate"},
		},
		ArgsUsage: "-- program [args...]",
		Action:    run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("boxexec failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	level := slog.LevelInfo
	if cmd.Bool("verbose") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level})))

	env, err := environment.Load(cmd.String("config"))
	if err != nil {
		return err
	}

	argv := cmd.Args().Slice()
	if len(argv) == 0 {
		return fmt.Errorf("nothing to run, pass a program after --")
	}

	limits := isolate.NoLimits().
		WithCPUTime(cmd.Float("time")).
		WithExtraTime(cmd.Float("extra-time")).
		WithCgroupMemory(cmd.Uint32("mem"))
	if cmd.IsSet("wall-time") {
		limits = limits.WithWallTime(cmd.Float("wall-time"))
	}
	if n := cmd.Uint32("processes"); n != 1 {
		limits = limits.WithProcesses(n)
	}

	boxCfg := isolate.NewConfig().
		WithBin(env.IsolateBin).
		WithBoxRoot(env.BoxRoot).
		WithStdout("stdout.txt").
		WithStderr("stderr.txt")
	if cmd.String("stdin") != "" {
		boxCfg = boxCfg.WithStdin("stdin.txt")
	}
	if cmd.Bool("verbose") {
		boxCfg = boxCfg.WithVerbose()
	}

	pool := isolate.NewBoxPool(env.BoxCount)

	runCtx, cancel := context.WithTimeout(ctx,
		isolate.OuterTimeout(limits, time.Duration(env.ExtraWallMarginMs)*time.Millisecond))
	defer cancel()

	return isolate.WithSession(runCtx, pool, boxCfg, limits, func(sess *isolate.Session) error {
		if src := cmd.String("source"); src != "" {
			if err := compileInto(runCtx, sess, cmd, src); err != nil {
				return err
			}
		}
		if in := cmd.String("stdin"); in != "" {
			data, err := os.ReadFile(in)
			if err != nil {
				return fmt.Errorf("failed to read stdin file: %w", err)
			}
			if err := sess.WriteInput("stdin.txt", data); err != nil {
				return err
			}
		}

		rep, err := sess.Run(runCtx, argv[0], argv[1:], limits)
		if err != nil {
			return err
		}
		printReport(rep)
		return nil
	})
}

// compileInto compiles the source inside the session's box, consulting the
// artifact cache first so identical sources skip the compiler.
func compileInto(ctx context.Context, sess *isolate.Session, cmd *cli.Command, srcPath string) error {
	source, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("failed to read source file: %w", err)
	}
	compileCmd := strings.Fields(cmd.String("compile-cmd"))
	lang := isolate.Language{
		ID:               "cli",
		SourceFilename:   cmd.String("source-name"),
		CompileCmd:       compileCmd,
		CompiledFilename: cmd.String("compile-out"),
		ExecCmd:          nil,
	}

	cacheDir, err := xdg.AppCacheDir("boxexec")
	if err != nil {
		return err
	}
	store, err := artifact.NewStore(cacheDir)
	if err != nil {
		return err
	}

	key := artifact.Key(append([]byte(cmd.String("compile-cmd")+"\x00"), source...))
	bin, err := store.GetOrCompute(key, func() ([]byte, error) {
		// Compilation gets generous limits of its own; the caller's limits
		// apply to the contestant program only.
		rep, art, err := sess.Compile(ctx, lang, source,
			isolate.NoLimits().WithCPUTime(30).WithWallTime(60).WithCgroupMemory(1<<20).WithProcesses(0))
		if err != nil {
			return nil, err
		}
		if rep != nil && !rep.Ok() {
			return nil, fmt.Errorf("compilation failed (%s):\n%s", rep.Status, rep.Stderr)
		}
		return art, nil
	})
	if err != nil {
		return err
	}
	if len(bin) > 0 {
		if err := sess.WriteExecutable(lang.CompiledFilename, bin); err != nil {
			return err
		}
	}
	slog.Debug("compile step done", slog.Int("artifact_bytes", len(bin)))
	return nil
}

func printReport(rep *isolate.RunReport) {
	verdict := color.New(color.FgRed, color.Bold)
	if rep.Ok() {
		verdict = color.New(color.FgGreen, color.Bold)
	}
	verdict.Printf("%s", rep.Status)
	fmt.Printf("  cpu=%.3fs wall=%.3fs mem=%dKB", rep.CPUTimeSec, rep.WallTimeSec, rep.MemoryPeakKB)
	if rep.ExitCode != nil {
		fmt.Printf(" exit=%d", *rep.ExitCode)
	}
	if rep.ExitSignal != nil {
		fmt.Printf(" signal=%d", *rep.ExitSignal)
	}
	if rep.Message != "" {
		fmt.Printf(" (%s)", rep.Message)
	}
	fmt.Println()
	if len(rep.Stdout) > 0 {
		fmt.Println("--- stdout ---")
		os.Stdout.Write(rep.Stdout)
	}
	if len(rep.Stderr) > 0 {
		fmt.Println("--- stderr ---")
		os.Stderr.Write(rep.Stderr)
	}
}
