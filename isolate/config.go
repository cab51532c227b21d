package isolate

import "log/slog"

// Config is the per-session fixed configuration: which box, how it is
// mounted, where I/O goes, and which isolate binary drives it.
//
// The zero value is not useful; start from NewConfig.
type Config struct {
	// BoxID is the numeric slot. Sessions obtained through Acquire get it
	// filled in from the leased slot.
	BoxID int

	// Bin is the isolate executable. Resolved through PATH when relative.
	Bin string

	// BoxRoot is the host directory under which isolate keeps box
	// directories (<root>/<id>/box).
	BoxRoot string

	UseCgroups    bool
	ShareNet      bool
	NoDefaultDirs bool

	// Stdin, Stdout and Stderr are paths inside the box (relative to its
	// working directory) used for I/O redirection. Empty means no
	// redirection; the sandboxed program then shares the session's pipes.
	StdinPath      string
	StdoutPath     string
	StderrPath     string
	StderrToStdout bool

	// Chdir is the working directory inside the box.
	Chdir string

	DirRules []DirRule
	EnvRules []EnvRule

	// MetaPath is the host-side file isolate writes run metadata to. When
	// empty the session allocates a fresh temp file per run.
	MetaPath string

	Verbose bool
	Silent  bool

	// Wait makes isolate wait for an already-running box to finish
	// instead of failing init.
	Wait bool

	InheritFds   bool
	TTYHack      bool
	SpecialFiles bool

	// AsUID and AsGID run the box under an alternate identity. Requires a
	// privileged isolate configuration.
	AsUID *uint32
	AsGID *uint32

	// Logger receives session lifecycle events. Defaults to slog.Default.
	Logger *slog.Logger
}

// NewConfig returns the default configuration: cgroups on, network off,
// default directory bindings kept, and fatal libc errors routed to stderr
// so that crashes of sandboxed programs stay diagnosable.
func NewConfig() Config {
	return Config{
		Bin:        DefaultBinary,
		BoxRoot:    DefaultBoxRoot,
		UseCgroups: true,
		EnvRules:   []EnvRule{EnvSet("LIBC_FATAL_STDERR_", "1")},
	}
}

func (c Config) WithBoxID(id int) Config { c.BoxID = id; return c }

func (c Config) WithBin(bin string) Config { c.Bin = bin; return c }

func (c Config) WithBoxRoot(root string) Config { c.BoxRoot = root; return c }

func (c Config) WithCgroups(on bool) Config { c.UseCgroups = on; return c }

func (c Config) WithShareNet() Config { c.ShareNet = true; return c }

func (c Config) WithNoDefaultDirs() Config { c.NoDefaultDirs = true; return c }

func (c Config) WithStdin(path string) Config { c.StdinPath = path; return c }

func (c Config) WithStdout(path string) Config { c.StdoutPath = path; return c }

func (c Config) WithStderr(path string) Config { c.StderrPath = path; return c }

func (c Config) WithStderrToStdout() Config { c.StderrToStdout = true; return c }

func (c Config) WithChdir(dir string) Config { c.Chdir = dir; return c }

// WithDirRule appends a directory rule. Rules keep their order.
func (c Config) WithDirRule(rule DirRule) Config {
	c.DirRules = append(c.DirRules[:len(c.DirRules):len(c.DirRules)], rule)
	return c
}

// WithEnvRule appends an environment rule. Later rules override earlier
// ones for the same variable.
func (c Config) WithEnvRule(rule EnvRule) Config {
	c.EnvRules = append(c.EnvRules[:len(c.EnvRules):len(c.EnvRules)], rule)
	return c
}

func (c Config) WithMetaPath(path string) Config { c.MetaPath = path; return c }

func (c Config) WithVerbose() Config { c.Verbose = true; return c }

func (c Config) WithSilent() Config { c.Silent = true; return c }

func (c Config) WithWait() Config { c.Wait = true; return c }

func (c Config) WithInheritFds() Config { c.InheritFds = true; return c }

func (c Config) WithTTYHack() Config { c.TTYHack = true; return c }

func (c Config) WithSpecialFiles() Config { c.SpecialFiles = true; return c }

func (c Config) WithIdentity(uid, gid uint32) Config {
	c.AsUID = &uid
	c.AsGID = &gid
	return c
}

func (c Config) WithLogger(l *slog.Logger) Config { c.Logger = l; return c }

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
