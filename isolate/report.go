package isolate

// Status classifies the outcome of one sandboxed execution. A Status is
// part of a successful RunReport, never an error: TimeLimitExceeded means
// the sandbox did its job.
type Status string

const (
	StatusOK                    Status = "ok"
	StatusRuntimeError          Status = "runtime-error"
	StatusTimeLimitExceeded     Status = "time-limit-exceeded"
	StatusWallTimeLimitExceeded Status = "wall-time-limit-exceeded"
	StatusMemoryLimitExceeded   Status = "memory-limit-exceeded"
	StatusOutputLimitExceeded   Status = "output-limit-exceeded"
	StatusInternalError         Status = "internal-error"
	StatusKilledBySandbox       Status = "killed-by-sandbox"
)

// RunReport is the full account of one run: the derived verdict, the
// measured resource consumption, and the captured output streams.
type RunReport struct {
	Status Status

	// ExitCode is set when the program exited normally, ExitSignal when a
	// signal killed it. At most one of the two is non-nil.
	ExitCode   *int
	ExitSignal *int

	CPUTimeSec  float64
	WallTimeSec float64

	// MemoryPeakKB is the per-process peak RSS with cgroups off and the
	// aggregate cgroup peak with cgroups on.
	MemoryPeakKB uint32
	CgMemoryKB   *uint32

	// Killed reports that isolate had to terminate the program forcibly.
	Killed bool

	// Message carries isolate's human-readable detail line, if any.
	Message string

	CswVoluntary uint64
	CswForced    uint64

	Stdout []byte
	Stderr []byte

	// Meta is the raw parsed record the report was derived from, kept for
	// diagnostics and for callers that want the undigested signals.
	Meta *MetaRecord
}

// BuildReport folds a parsed metadata record with the captured output
// streams into the caller-facing report.
func BuildReport(rec *MetaRecord, cfg Config, lim Limits, stdout, stderr []byte) *RunReport {
	rep := &RunReport{
		Status:       deriveStatus(rec, cfg.UseCgroups, lim.CgroupMemoryKB),
		ExitCode:     rec.ExitCode,
		ExitSignal:   rec.ExitSignal,
		CPUTimeSec:   rec.CPUTimeSec,
		WallTimeSec:  rec.WallTimeSec,
		MemoryPeakKB: rec.MaxRSSKB,
		CgMemoryKB:   rec.CgMemKB,
		Killed:       rec.Killed,
		Message:      rec.Message,
		CswVoluntary: rec.CswVoluntary,
		CswForced:    rec.CswForced,
		Stdout:       stdout,
		Stderr:       stderr,
		Meta:         rec,
	}
	if cfg.UseCgroups && rec.CgMemKB != nil {
		rep.MemoryPeakKB = *rec.CgMemKB
	}
	return rep
}

// Ok reports whether the program ran to completion within its limits.
func (r *RunReport) Ok() bool { return r.Status == StatusOK }
