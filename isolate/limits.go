package isolate

// Limits holds the resource knobs for a single sandboxed execution.
// Every field is optional; a nil field means the sandbox layer imposes no
// such limit. All sizes are kilobytes, all times are seconds, matching the
// units isolate itself speaks.
//
// Use the cgroup memory limit rather than the per-process address-space
// limit when precise accounting across fork/exec is needed; the latter only
// bounds a single process image.
type Limits struct {
	CPUTimeSec   *float64
	WallTimeSec  *float64
	ExtraTimeSec *float64

	AddressSpaceKB *uint32
	CgroupMemoryKB *uint32
	StackKB        *uint32

	FileSizeKB *uint32
	OpenFiles  *uint32
	CoreDumpKB *uint32

	// Processes bounds concurrent processes/threads. Nil means unlimited;
	// a value of 1 allows strictly one process.
	Processes *uint32

	// Quota sets a disk quota on the box filesystem at init time.
	Quota *DiskQuota
}

// DiskQuota is a block/inode quota pair for the box filesystem.
type DiskQuota struct {
	Blocks uint32
	Inodes uint32
}

// NoLimits returns an empty limit set.
func NoLimits() Limits { return Limits{} }

func (l Limits) WithCPUTime(sec float64) Limits {
	l.CPUTimeSec = &sec
	return l
}

func (l Limits) WithWallTime(sec float64) Limits {
	l.WallTimeSec = &sec
	return l
}

func (l Limits) WithExtraTime(sec float64) Limits {
	l.ExtraTimeSec = &sec
	return l
}

func (l Limits) WithAddressSpace(kb uint32) Limits {
	l.AddressSpaceKB = &kb
	return l
}

func (l Limits) WithCgroupMemory(kb uint32) Limits {
	l.CgroupMemoryKB = &kb
	return l
}

// WithStack caps the per-process stack. Zero means "inherit the host limit".
func (l Limits) WithStack(kb uint32) Limits {
	l.StackKB = &kb
	return l
}

func (l Limits) WithFileSize(kb uint32) Limits {
	l.FileSizeKB = &kb
	return l
}

func (l Limits) WithOpenFiles(n uint32) Limits {
	l.OpenFiles = &n
	return l
}

func (l Limits) WithProcesses(n uint32) Limits {
	l.Processes = &n
	return l
}

func (l Limits) WithCoreDump(kb uint32) Limits {
	l.CoreDumpKB = &kb
	return l
}

func (l Limits) WithQuota(blocks, inodes uint32) Limits {
	l.Quota = &DiskQuota{Blocks: blocks, Inodes: inodes}
	return l
}

// validate checks cross-field invariants against the owning config.
func (l Limits) validate(useCgroups bool) error {
	if l.CgroupMemoryKB != nil && !useCgroups {
		return configErr(CgroupsRequired, "cgroup memory limit set without cgroups enabled")
	}
	for _, t := range []*float64{l.CPUTimeSec, l.WallTimeSec, l.ExtraTimeSec} {
		if t != nil && *t < 0 {
			return configErr(NegativeLimit, "time limit %v is negative", *t)
		}
	}
	return nil
}
