package isolate

import (
	"fmt"
	"strconv"
	"strings"
)

// The encoder translates a Config plus Limits into the argv for one isolate
// invocation. It never executes anything; all validation of cross-field
// invariants happens here so a broken configuration fails before a process
// is spawned.
//
// Flag order is fixed by the encoder (each flag has a set position in the
// argv, directory flags are lexicographic) so that identical configurations
// always encode to identical argv, regardless of how the builders were
// chained.

// EncodeInit builds the argv for `isolate --init`. Directory rules and the
// disk quota apply at init; resource limits do not.
func EncodeInit(cfg Config, lim Limits) ([]string, error) {
	if err := lim.validate(cfg.UseCgroups); err != nil {
		return nil, err
	}
	args := commonArgs(cfg)
	if lim.Quota != nil {
		args = append(args, fmt.Sprintf("--quota=%d,%d", lim.Quota.Blocks, lim.Quota.Inodes))
	}
	if cfg.NoDefaultDirs {
		args = append(args, "--no-default-dirs")
	}
	for _, rule := range cfg.DirRules {
		enc, err := encodeDirRule(rule)
		if err != nil {
			return nil, err
		}
		args = append(args, "--dir="+enc)
	}
	if cfg.Wait {
		args = append(args, "--wait")
	}
	args = appendIdentity(args, cfg)
	args = appendVerbosity(args, cfg)
	return append(args, "--init"), nil
}

// EncodeRun builds the argv for `isolate --run -- program args...`.
func EncodeRun(cfg Config, lim Limits, program string, progArgs []string) ([]string, error) {
	if err := lim.validate(cfg.UseCgroups); err != nil {
		return nil, err
	}
	if program == "" {
		return nil, configErr(EmptyArgv, "run needs a program to execute")
	}
	if cfg.MetaPath == "" {
		return nil, configErr(InvalidPath, "run needs a meta file path")
	}

	args := commonArgs(cfg)
	args = appendLimits(args, lim)

	if cfg.StdinPath != "" {
		args = append(args, "--stdin="+cfg.StdinPath)
	}
	if cfg.StdoutPath != "" {
		args = append(args, "--stdout="+cfg.StdoutPath)
	}
	if cfg.StderrPath != "" {
		args = append(args, "--stderr="+cfg.StderrPath)
	}
	if cfg.StderrToStdout {
		args = append(args, "--stderr-to-stdout")
	}
	if cfg.Chdir != "" {
		args = append(args, "--chdir="+cfg.Chdir)
	}
	for _, rule := range cfg.EnvRules {
		args = append(args, encodeEnvRule(rule))
	}
	if cfg.ShareNet {
		args = append(args, "--share-net")
	}
	if cfg.InheritFds {
		args = append(args, "--inherit-fds")
	}
	if cfg.TTYHack {
		args = append(args, "--tty-hack")
	}
	if cfg.SpecialFiles {
		args = append(args, "--special-files")
	}
	args = appendIdentity(args, cfg)
	args = appendVerbosity(args, cfg)
	args = append(args, "--meta="+cfg.MetaPath)

	args = append(args, "--run", "--", program)
	return append(args, progArgs...), nil
}

// EncodeCleanup builds the argv for `isolate --cleanup`.
func EncodeCleanup(cfg Config) []string {
	return append(commonArgs(cfg), "--cleanup")
}

func commonArgs(cfg Config) []string {
	args := []string{fmt.Sprintf("--box-id=%d", cfg.BoxID)}
	if cfg.UseCgroups {
		args = append(args, "--cg")
	}
	return args
}

func appendLimits(args []string, lim Limits) []string {
	if lim.CPUTimeSec != nil {
		args = append(args, "--time="+formatSeconds(*lim.CPUTimeSec))
	}
	if lim.WallTimeSec != nil {
		args = append(args, "--wall-time="+formatSeconds(*lim.WallTimeSec))
	}
	if lim.ExtraTimeSec != nil {
		args = append(args, "--extra-time="+formatSeconds(*lim.ExtraTimeSec))
	}
	if lim.AddressSpaceKB != nil {
		args = append(args, "--mem="+formatKB(*lim.AddressSpaceKB))
	}
	if lim.CgroupMemoryKB != nil {
		args = append(args, "--cg-mem="+formatKB(*lim.CgroupMemoryKB))
	}
	if lim.StackKB != nil {
		args = append(args, "--stack="+formatKB(*lim.StackKB))
	}
	if lim.FileSizeKB != nil {
		args = append(args, "--fsize="+formatKB(*lim.FileSizeKB))
	}
	if lim.OpenFiles != nil {
		args = append(args, "--open-files="+formatKB(*lim.OpenFiles))
	}
	if lim.CoreDumpKB != nil {
		args = append(args, "--core="+formatKB(*lim.CoreDumpKB))
	}
	if lim.Processes != nil {
		if *lim.Processes == 0 {
			// Bare --processes lifts the limit entirely.
			args = append(args, "--processes")
		} else {
			args = append(args, "--processes="+formatKB(*lim.Processes))
		}
	}
	return args
}

func appendIdentity(args []string, cfg Config) []string {
	if cfg.AsUID != nil {
		args = append(args, fmt.Sprintf("--as-uid=%d", *cfg.AsUID))
	}
	if cfg.AsGID != nil {
		args = append(args, fmt.Sprintf("--as-gid=%d", *cfg.AsGID))
	}
	return args
}

func appendVerbosity(args []string, cfg Config) []string {
	if cfg.Verbose {
		args = append(args, "--verbose")
	}
	if cfg.Silent {
		args = append(args, "--silent")
	}
	return args
}

func encodeDirRule(rule DirRule) (string, error) {
	if rule.Inside == "" {
		return "", configErr(InvalidPath, "directory rule with empty inside path")
	}
	var b strings.Builder
	b.WriteString(rule.Inside)
	switch {
	case rule.tmpfs:
		b.WriteString(":tmp")
	case rule.pseudoFS:
		b.WriteString(":fs")
	default:
		if rule.Outside == "" {
			return "", configErr(InvalidPath, "bind rule for %s has no outside path", rule.Inside)
		}
		if rule.Outside != rule.Inside {
			b.WriteString("=")
			b.WriteString(rule.Outside)
		}
	}
	for _, f := range rule.sortedFlags() {
		b.WriteString(":")
		b.WriteString(f)
	}
	return b.String(), nil
}

func encodeEnvRule(rule EnvRule) string {
	switch rule.kind {
	case envInherit:
		return "--env=" + rule.Name
	case envSet:
		// The value goes through raw; isolate applies no quoting either.
		return "--env=" + rule.Name + "=" + rule.Value
	default:
		return "--full-env"
	}
}

// isolate expects times in seconds; three decimals gives millisecond
// resolution, which is what its own accounting reports.
func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func formatKB(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}
