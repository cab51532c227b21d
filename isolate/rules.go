package isolate

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// DirFlag is a single option on a directory rule. The tokens are the ones
// isolate's --dir syntax accepts.
type DirFlag string

const (
	// FlagReadWrite mounts the directory writable.
	FlagReadWrite DirFlag = "rw"
	// FlagNoExec forbids executing files from the mount.
	FlagNoExec DirFlag = "noexec"
	// FlagOptional skips the rule when the outside path is absent.
	FlagOptional DirFlag = "opt"
	// FlagMaybe silently ignores bind failures.
	FlagMaybe DirFlag = "maybe"
	// FlagDev allows device nodes on the mount.
	FlagDev DirFlag = "dev"
	// FlagNoRec makes the bind non-recursive.
	FlagNoRec DirFlag = "norec"
)

// DirRule declares one directory binding applied at sandbox init.
//
// Unless NoDefaultDirs is set on the config, isolate itself additionally
// binds /bin, /dev, /lib, /lib64 and /usr, mounts proc at /proc, binds the
// working directory to /box read-write and creates a /tmp tmpfs.
type DirRule struct {
	Inside  string
	Outside string

	// tmpfs and pseudoFS mark the two non-bind rule forms.
	tmpfs    bool
	pseudoFS bool

	Flags mapset.Set[DirFlag]
}

// Bind mounts outside (host path) at inside (box path).
func Bind(inside, outside string) DirRule {
	return DirRule{Inside: inside, Outside: outside, Flags: mapset.NewSet[DirFlag]()}
}

// BindSame mounts a host path at the identical path inside the box.
func BindSame(path string) DirRule {
	return DirRule{Inside: path, Outside: path, Flags: mapset.NewSet[DirFlag]()}
}

// Tmp creates a writable tmpfs at inside.
func Tmp(inside string) DirRule {
	return DirRule{Inside: inside, tmpfs: true, Flags: mapset.NewSet[DirFlag]()}
}

// Fs mounts a named pseudo-filesystem (e.g. "proc") at its own name.
func Fs(name string) DirRule {
	return DirRule{Inside: name, pseudoFS: true, Flags: mapset.NewSet[DirFlag]()}
}

func (r DirRule) ReadWrite() DirRule { r.Flags.Add(FlagReadWrite); return r }
func (r DirRule) NoExec() DirRule    { r.Flags.Add(FlagNoExec); return r }
func (r DirRule) Optional() DirRule  { r.Flags.Add(FlagOptional); return r }
func (r DirRule) Maybe() DirRule     { r.Flags.Add(FlagMaybe); return r }
func (r DirRule) Dev() DirRule       { r.Flags.Add(FlagDev); return r }
func (r DirRule) NoRec() DirRule     { r.Flags.Add(FlagNoRec); return r }

// sortedFlags renders the flag set in lexicographic order so that encoded
// argv output is deterministic.
func (r DirRule) sortedFlags() []string {
	out := make([]string, 0, r.Flags.Cardinality())
	for f := range r.Flags.Iter() {
		out = append(out, string(f))
	}
	sort.Strings(out)
	return out
}

type envKind int

const (
	envInherit envKind = iota
	envSet
	envFull
)

// EnvRule controls one environment variable inside the box. Rules apply in
// order; a later rule for the same name wins.
type EnvRule struct {
	kind  envKind
	Name  string
	Value string
}

// EnvInherit passes the named host variable through.
func EnvInherit(name string) EnvRule { return EnvRule{kind: envInherit, Name: name} }

// EnvSet sets the variable to a fixed value. The value is passed to isolate
// verbatim; the caller escapes nothing and is responsible for its content.
func EnvSet(name, value string) EnvRule { return EnvRule{kind: envSet, Name: name, Value: value} }

// EnvFull inherits the whole host environment.
func EnvFull() EnvRule { return EnvRule{kind: envFull} }
