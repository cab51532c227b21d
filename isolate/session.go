package isolate

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

type sessionState string

const (
	stateNew         sessionState = "new"
	stateInitialized sessionState = "initialized"
	stateCleanedUp   sessionState = "cleaned-up"
)

func (s sessionState) String() string { return string(s) }

// killGrace is how long a spawned isolate process gets between the
// termination request and a hard kill when the caller's context expires.
const killGrace = 5 * time.Second

// Session owns one box for its whole life and drives executions through
// it: init once, then any number of compile/run calls, then cleanup.
// Operations on a session are strictly sequential; a second concurrent
// call is rejected rather than interleaved.
type Session struct {
	cfg  Config
	slot *Slot
	log  *slog.Logger

	mu    chan struct{} // 1-token semaphore; TryLock semantics for busy detection
	state sessionState

	// lastMeta is the meta file path of the most recent run. When the
	// config names no MetaPath the file itself is a per-run temp file,
	// deleted when Run returns.
	lastMeta string
}

// NewSession wraps an externally managed box id. The caller is responsible
// for exclusivity; prefer Acquire, which leases the id from a pool.
func NewSession(cfg Config) *Session {
	return newSession(cfg, nil)
}

// Acquire leases a slot from the pool and returns a session bound to it.
// The slot is released by Cleanup.
func Acquire(ctx context.Context, pool *BoxPool, cfg Config) (*Session, error) {
	slot, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	cfg.BoxID = slot.ID()
	return newSession(cfg, slot), nil
}

func newSession(cfg Config, slot *Slot) *Session {
	s := &Session{
		cfg:   cfg,
		slot:  slot,
		log:   cfg.logger().With(slog.Int("box", cfg.BoxID)),
		mu:    make(chan struct{}, 1),
		state: stateNew,
	}
	return s
}

// WithSession runs fn with a freshly acquired, initialized session and
// guarantees cleanup on every exit path: normal return, error return and
// panic. A cleanup failure surfaces to the caller unless fn already
// failed; the slot is released either way.
func WithSession(ctx context.Context, pool *BoxPool, cfg Config, lim Limits, fn func(*Session) error) (err error) {
	sess, err := Acquire(ctx, pool, cfg)
	if err != nil {
		return err
	}
	defer func() {
		cerr := sess.Cleanup()
		if err == nil {
			err = cerr
		}
	}()
	if err = sess.Init(ctx, lim); err != nil {
		return err
	}
	return fn(sess)
}

// BoxID returns the box id the session is bound to.
func (s *Session) BoxID() int { return s.cfg.BoxID }

// LastMetaPath returns the metadata file of the most recent run, for
// post-mortem inspection. Empty before the first run.
func (s *Session) LastMetaPath() string { return s.lastMeta }

// BoxDir returns the host-side directory isolate presents as the box root.
func (s *Session) BoxDir() string {
	return filepath.Join(s.cfg.BoxRoot, strconv.Itoa(s.cfg.BoxID), "box")
}

// begin takes the session for one operation, enforcing both the lifecycle
// state and the no-concurrent-calls contract.
func (s *Session) begin(want sessionState) (func(), error) {
	select {
	case s.mu <- struct{}{}:
	default:
		return nil, &SandboxError{Kind: ErrConcurrentUse, msg: "session is busy with another operation"}
	}
	if s.state != want {
		<-s.mu
		if s.state == stateCleanedUp {
			return nil, &SandboxError{Kind: ErrSessionState, msg: "session used after cleanup"}
		}
		return nil, stateErr(want, s.state)
	}
	return func() { <-s.mu }, nil
}

// Init prepares the box via `isolate --init`. Limits matter here only for
// the disk quota; everything else applies per run.
func (s *Session) Init(ctx context.Context, lim Limits) error {
	end, err := s.begin(stateNew)
	if err != nil {
		return err
	}
	defer end()

	args, err := EncodeInit(s.cfg, lim)
	if err != nil {
		return err
	}
	s.log.Debug("initializing box", slog.Any("args", args))
	res, err := s.execIsolate(ctx, args, nil)
	if err != nil {
		return err
	}
	if res.exitCode != 0 {
		return &SandboxError{
			Kind:     ErrInitFailed,
			ExitCode: res.exitCode,
			Stderr:   string(res.stderr),
			msg:      "isolate --init exited nonzero",
		}
	}
	s.state = stateInitialized
	s.log.Info("box initialized")
	return nil
}

// WriteInput stages a file inside the box at a path relative to the box
// root.
func (s *Session) WriteInput(relPath string, data []byte) error {
	end, err := s.begin(stateInitialized)
	if err != nil {
		return err
	}
	defer end()

	path, err := s.resolveBoxPath(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ioErr(path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return ioErr(path, err)
	}
	return nil
}

// WriteExecutable stages a file like WriteInput but with execute
// permission, for pre-built artifacts that will be run directly.
func (s *Session) WriteExecutable(relPath string, data []byte) error {
	end, err := s.begin(stateInitialized)
	if err != nil {
		return err
	}
	defer end()

	path, err := s.resolveBoxPath(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ioErr(path, err)
	}
	if err := os.WriteFile(path, data, 0o755); err != nil {
		return ioErr(path, err)
	}
	return nil
}

// ReadOutput reads a file from inside the box at a path relative to the
// box root, e.g. a compiled artifact between runs.
func (s *Session) ReadOutput(relPath string) ([]byte, error) {
	end, err := s.begin(stateInitialized)
	if err != nil {
		return nil, err
	}
	defer end()

	path, err := s.resolveBoxPath(relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ioErr(path, err)
	}
	return data, nil
}

// Run executes a program inside the box and reports what happened. Policy
// violations (time limit, memory limit, crashes of the sandboxed program)
// come back inside the RunReport; an error return means the run could not
// be carried out or accounted for at all.
//
// The caller's ctx is the outer safety net around isolate itself; a
// sensible deadline is the wall-time limit plus extra time plus a margin
// (see OuterTimeout). On expiry the isolate process is terminated and the
// run reports as canceled.
func (s *Session) Run(ctx context.Context, program string, progArgs []string, lim Limits) (*RunReport, error) {
	end, err := s.begin(stateInitialized)
	if err != nil {
		return nil, err
	}
	defer end()

	cfg := s.cfg
	if cfg.MetaPath == "" {
		cfg.MetaPath = filepath.Join(os.TempDir(), "isolate-meta-"+uuid.NewString())
		defer os.Remove(cfg.MetaPath)
	}
	s.lastMeta = cfg.MetaPath
	// A stale meta file from an earlier run must not masquerade as this
	// run's outcome.
	if err := os.Remove(cfg.MetaPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, ioErr(cfg.MetaPath, err)
	}

	args, err := EncodeRun(cfg, lim, program, progArgs)
	if err != nil {
		return nil, err
	}

	s.log.Debug("running program", slog.String("program", program), slog.Any("args", progArgs))
	started := time.Now()
	res, err := s.execIsolate(ctx, args, nil)
	if err != nil {
		return nil, err
	}

	meta, err := os.ReadFile(cfg.MetaPath)
	if err != nil {
		return nil, wrapErr(ErrMetadataMissing, err,
			"no metadata after run (isolate exit %d, stderr %q)", res.exitCode, strings.TrimSpace(string(res.stderr)))
	}
	rec, err := ParseMetaFile(meta)
	if err != nil {
		return nil, err
	}

	stdout, stderr := res.stdout, res.stderr
	if cfg.StdoutPath != "" {
		if stdout, err = s.readRedirected(cfg.StdoutPath); err != nil {
			return nil, err
		}
	}
	if cfg.StderrPath != "" {
		if stderr, err = s.readRedirected(cfg.StderrPath); err != nil {
			return nil, err
		}
	}

	rep := BuildReport(rec, cfg, lim, stdout, stderr)
	s.log.Info("run finished",
		slog.String("status", string(rep.Status)),
		slog.Float64("cpu_s", rep.CPUTimeSec),
		slog.Float64("wall_s", rep.WallTimeSec),
		slog.Int64("mem_kb", int64(rep.MemoryPeakKB)),
		slog.Duration("host_elapsed", time.Since(started)))
	return rep, nil
}

// Compile stages source code and runs the language's compile command.
// Returns the compile report and, when the language declares an artifact
// and compilation succeeded, the artifact's bytes. Languages without a
// compile step return (nil, nil, nil).
func (s *Session) Compile(ctx context.Context, lang Language, source []byte, lim Limits) (*RunReport, []byte, error) {
	if lang.SourceFilename == "" {
		return nil, nil, configErr(InvalidPath, "language %q has no source filename", lang.ID)
	}
	if err := s.WriteInput(lang.SourceFilename, source); err != nil {
		return nil, nil, err
	}
	if !lang.Compiled() {
		return nil, nil, nil
	}
	rep, err := s.Run(ctx, lang.CompileCmd[0], lang.CompileCmd[1:], lim)
	if err != nil {
		return nil, nil, err
	}
	if !rep.Ok() || lang.CompiledFilename == "" {
		return rep, nil, nil
	}
	artifact, err := s.ReadOutput(lang.CompiledFilename)
	if err != nil {
		return rep, nil, err
	}
	return rep, artifact, nil
}

// Cleanup tears the box down and releases the slot. Idempotent: calling it
// on an already-cleaned session succeeds. Even when `isolate --cleanup`
// fails the slot is released and the session is finished; the error is
// still returned so the host can flag the box for inspection.
func (s *Session) Cleanup() error {
	select {
	case s.mu <- struct{}{}:
	default:
		return &SandboxError{Kind: ErrConcurrentUse, msg: "session is busy with another operation"}
	}
	defer func() { <-s.mu }()

	switch s.state {
	case stateCleanedUp:
		return nil
	case stateNew:
		s.state = stateCleanedUp
		s.releaseSlot()
		return nil
	}

	s.state = stateCleanedUp
	defer s.releaseSlot()

	res, err := s.execIsolate(context.Background(), EncodeCleanup(s.cfg), nil)
	if err != nil {
		return err
	}
	if res.exitCode != 0 {
		return &SandboxError{
			Kind:     ErrCleanupFailed,
			ExitCode: res.exitCode,
			Stderr:   string(res.stderr),
			msg:      "isolate --cleanup exited nonzero",
		}
	}
	s.log.Info("box cleaned up")
	return nil
}

func (s *Session) releaseSlot() {
	if s.slot != nil {
		s.slot.Release()
	}
}

type execResult struct {
	stdout   []byte
	stderr   []byte
	exitCode int
}

// execIsolate spawns the isolate binary and waits for it. Only spawn
// failures and cancellation are errors; a nonzero exit is handed back for
// the caller to interpret, because for --run it usually just mirrors the
// sandboxed program's verdict.
func (s *Session) execIsolate(ctx context.Context, args []string, stdin []byte) (*execResult, error) {
	cmd := exec.CommandContext(ctx, s.cfg.Bin, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// On cancellation ask isolate to shut down cleanly first; it forwards
	// the signal and removes the box lock. SIGKILL follows after the grace
	// window.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		s.log.Warn("isolate invocation canceled", slog.Any("cause", ctxErr))
		return nil, wrapErr(ErrCanceled, ctxErr, "isolate terminated by host")
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, wrapErr(ErrSpawnFailed, err, "cannot start %s", s.cfg.Bin)
		}
		return &execResult{stdout: stdout.Bytes(), stderr: stderr.Bytes(), exitCode: exitErr.ExitCode()}, nil
	}
	return &execResult{stdout: stdout.Bytes(), stderr: stderr.Bytes(), exitCode: 0}, nil
}

// resolveBoxPath maps a path relative to the box root onto the host
// filesystem, refusing anything that would escape the box.
func (s *Session) resolveBoxPath(relPath string) (string, error) {
	if relPath == "" || filepath.IsAbs(relPath) {
		return "", configErr(InvalidPath, "box-relative path required, got %q", relPath)
	}
	clean := filepath.Clean(relPath)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", configErr(InvalidPath, "path %q escapes the box", relPath)
	}
	return filepath.Join(s.BoxDir(), clean), nil
}

// readRedirected fetches a redirected output stream. Redirection paths are
// interpreted in the sandbox view: relative to the working directory
// (Chdir, defaulting to the box root), with /box naming the box root.
func (s *Session) readRedirected(relPath string) ([]byte, error) {
	rel := relPath
	if filepath.IsAbs(rel) {
		rel = strings.TrimPrefix(rel, "/box")
		rel = strings.TrimPrefix(rel, "/")
	} else if s.cfg.Chdir != "" {
		dir := strings.TrimPrefix(s.cfg.Chdir, "/box")
		dir = strings.TrimPrefix(dir, "/")
		rel = filepath.Join(dir, rel)
	}
	path, err := s.resolveBoxPath(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		// The program may have been killed before isolate opened the
		// redirection target; that is an empty stream, not a failure.
		return nil, nil
	}
	if err != nil {
		return nil, ioErr(path, err)
	}
	return data, nil
}

// OuterTimeout suggests a host-side deadline for Run: the point past which
// the sandbox itself is presumed stuck. It is the wall limit (or CPU limit
// when no wall limit is set) plus the extra-time grace plus margin.
func OuterTimeout(lim Limits, margin time.Duration) time.Duration {
	base := 0.0
	switch {
	case lim.WallTimeSec != nil:
		base = *lim.WallTimeSec
	case lim.CPUTimeSec != nil:
		base = *lim.CPUTimeSec
	}
	if lim.ExtraTimeSec != nil {
		base += *lim.ExtraTimeSec
	}
	return time.Duration(base*float64(time.Second)) + margin
}
