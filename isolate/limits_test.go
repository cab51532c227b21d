package isolate_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/judicia/isolate-box/isolate"
)

func TestLimitsDefaultsAreAbsent(t *testing.T) {
	l := isolate.NoLimits()
	require.Nil(t, l.CPUTimeSec)
	require.Nil(t, l.WallTimeSec)
	require.Nil(t, l.ExtraTimeSec)
	require.Nil(t, l.AddressSpaceKB)
	require.Nil(t, l.CgroupMemoryKB)
	require.Nil(t, l.StackKB)
	require.Nil(t, l.FileSizeKB)
	require.Nil(t, l.OpenFiles)
	require.Nil(t, l.Processes)
	require.Nil(t, l.CoreDumpKB)
	require.Nil(t, l.Quota)
}

func TestLimitsSettersDoNotMutate(t *testing.T) {
	base := isolate.NoLimits()
	withCPU := base.WithCPUTime(2)
	require.Nil(t, base.CPUTimeSec, "setter mutated its receiver")
	require.NotNil(t, withCPU.CPUTimeSec)
	require.Equal(t, 2.0, *withCPU.CPUTimeSec)

	more := withCPU.WithCgroupMemory(1024).WithProcesses(1)
	require.Nil(t, withCPU.CgroupMemoryKB)
	require.NotNil(t, more.CPUTimeSec)
	require.NotNil(t, more.CgroupMemoryKB)
	require.NotNil(t, more.Processes)
}

func TestConfigDefaults(t *testing.T) {
	cfg := isolate.NewConfig()
	require.True(t, cfg.UseCgroups)
	require.False(t, cfg.ShareNet)
	require.False(t, cfg.NoDefaultDirs)
	require.Equal(t, isolate.DefaultBinary, cfg.Bin)
	require.Equal(t, isolate.DefaultBoxRoot, cfg.BoxRoot)
	require.Empty(t, cfg.DirRules)
	// Fatal libc errors go to stderr by default so crashes stay visible.
	require.Len(t, cfg.EnvRules, 1)
}

func TestConfigBuilderDoesNotShareRuleSlices(t *testing.T) {
	base := isolate.NewConfig().WithDirRule(isolate.Tmp("/a"))
	b := base.WithDirRule(isolate.Tmp("/b"))
	c := base.WithDirRule(isolate.Tmp("/c"))

	require.Len(t, base.DirRules, 1)
	require.Len(t, b.DirRules, 2)
	require.Len(t, c.DirRules, 2)
	require.Equal(t, "/b", b.DirRules[1].Inside)
	require.Equal(t, "/c", c.DirRules[1].Inside)
}

func TestLanguageCompiled(t *testing.T) {
	require.True(t, isolate.Language{CompileCmd: []string{"g++"}}.Compiled())
	require.False(t, isolate.Language{}.Compiled())
}
