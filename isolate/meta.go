package isolate

import (
	"strconv"
	"strings"
)

// MetaRecord is the typed form of the key:value metadata file isolate
// writes after every run. Keys the parser does not recognize are kept in
// Extra for diagnostics and ignored for verdict derivation.
type MetaRecord struct {
	CPUTimeSec  float64
	WallTimeSec float64

	MaxRSSKB uint32
	CgMemKB  *uint32

	CgOOMKilled bool
	Killed      bool

	ExitCode   *int
	ExitSignal *int

	// RawStatus is isolate's abstract outcome code: RE, SG, TO, XX, OL or
	// FO. Empty when the run finished without incident.
	RawStatus string
	Message   string

	CswVoluntary uint64
	CswForced    uint64

	Extra map[string]string
}

// ParseMetaFile parses the contents of an isolate metadata file. A line
// without a colon is malformed; a recognized key with an unparseable value
// is malformed too. Malformed input is never papered over, because a run
// that cannot be reported must not look like a verdict.
func ParseMetaFile(data []byte) (*MetaRecord, error) {
	rec := &MetaRecord{Extra: map[string]string{}}
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			return nil, wrapErr(ErrMetadataMalformed, nil, "line %q has no key:value separator", line)
		}
		if err := rec.apply(key, value); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func (rec *MetaRecord) apply(key, value string) error {
	malformed := func(err error) error {
		return wrapErr(ErrMetadataMalformed, err, "bad value %q for key %q", value, key)
	}
	switch key {
	case "time":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return malformed(err)
		}
		rec.CPUTimeSec = v
	case "time-wall":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return malformed(err)
		}
		rec.WallTimeSec = v
	case "max-rss":
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return malformed(err)
		}
		rec.MaxRSSKB = uint32(v)
	case "cg-mem":
		v, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return malformed(err)
		}
		kb := uint32(v)
		rec.CgMemKB = &kb
	case "cg-oom-killed":
		if value != "0" && value != "1" {
			return malformed(nil)
		}
		rec.CgOOMKilled = value == "1"
	case "killed":
		if value != "0" && value != "1" {
			return malformed(nil)
		}
		rec.Killed = value == "1"
	case "exitcode":
		v, err := strconv.Atoi(value)
		if err != nil {
			return malformed(err)
		}
		rec.ExitCode = &v
	case "exitsig":
		v, err := strconv.Atoi(value)
		if err != nil {
			return malformed(err)
		}
		rec.ExitSignal = &v
	case "status":
		switch value {
		case "RE", "SG", "TO", "XX", "OL", "FO":
		default:
			return malformed(nil)
		}
		rec.RawStatus = value
	case "message":
		rec.Message = value
	case "csw-voluntary":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return malformed(err)
		}
		rec.CswVoluntary = v
	case "csw-forced":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return malformed(err)
		}
		rec.CswForced = v
	default:
		rec.Extra[key] = value
	}
	return nil
}

// oomKilled reports whether the run died to the cgroup memory limit: either
// the kernel said so outright, or the measured aggregate peak reached the
// configured cap.
func (rec *MetaRecord) oomKilled(cgEnabled bool, cgLimitKB *uint32) bool {
	if rec.CgOOMKilled {
		return true
	}
	return cgEnabled && cgLimitKB != nil && rec.CgMemKB != nil && *rec.CgMemKB >= *cgLimitKB
}

// deriveStatus maps a metadata record onto a Status. Precedence, highest
// first: internal error, timeout, output limit, forbidden syscall, cgroup
// OOM, signal/exit-code runtime errors, OK. The OOM check deliberately
// outranks SG/RE: the kernel's OOM killer surfaces as SIGKILL, which would
// otherwise read as an ordinary crash.
func deriveStatus(rec *MetaRecord, cgEnabled bool, cgLimitKB *uint32) Status {
	switch rec.RawStatus {
	case "XX":
		return StatusInternalError
	case "TO":
		if strings.Contains(strings.ToLower(rec.Message), "wall") {
			return StatusWallTimeLimitExceeded
		}
		return StatusTimeLimitExceeded
	case "OL":
		return StatusOutputLimitExceeded
	case "FO":
		return StatusKilledBySandbox
	}
	if rec.oomKilled(cgEnabled, cgLimitKB) {
		return StatusMemoryLimitExceeded
	}
	switch rec.RawStatus {
	case "SG", "RE":
		return StatusRuntimeError
	}
	return StatusOK
}
