package isolate_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/require"

	"github.com/judicia/isolate-box/isolate"
)

func TestParseMetaFile(t *testing.T) {
	rec, err := isolate.ParseMetaFile([]byte(
		"time:0.134\ntime-wall:0.301\nmax-rss:2048\ncg-mem:4096\n" +
			"cg-oom-killed:0\nkilled:1\nexitsig:9\nstatus:SG\n" +
			"message:Caught fatal signal 9\ncsw-voluntary:12\ncsw-forced:3\n" +
			"some-future-key:whatever\n"))
	require.NoError(t, err)

	require.Equal(t, 0.134, rec.CPUTimeSec)
	require.Equal(t, 0.301, rec.WallTimeSec)
	require.Equal(t, uint32(2048), rec.MaxRSSKB)
	require.NotNil(t, rec.CgMemKB)
	require.Equal(t, uint32(4096), *rec.CgMemKB)
	require.False(t, rec.CgOOMKilled)
	require.True(t, rec.Killed)
	require.Nil(t, rec.ExitCode)
	require.NotNil(t, rec.ExitSignal)
	require.Equal(t, 9, *rec.ExitSignal)
	require.Equal(t, "SG", rec.RawStatus)
	require.Equal(t, "Caught fatal signal 9", rec.Message)
	require.Equal(t, uint64(12), rec.CswVoluntary)
	require.Equal(t, uint64(3), rec.CswForced)
	require.Equal(t, map[string]string{"some-future-key": "whatever"}, rec.Extra)
}

func TestParseMetaFileEmpty(t *testing.T) {
	rec, err := isolate.ParseMetaFile(nil)
	require.NoError(t, err)
	require.Equal(t, "", rec.RawStatus)
	require.Equal(t, 0.0, rec.CPUTimeSec)
}

func TestParseMetaFileValueWithColon(t *testing.T) {
	// Only the first colon separates key from value.
	rec, err := isolate.ParseMetaFile([]byte("message:error: something: nested\n"))
	require.NoError(t, err)
	require.Equal(t, "error: something: nested", rec.Message)
}

func TestParseMetaFileMalformed(t *testing.T) {
	_, err := isolate.ParseMetaFile([]byte("time:0.1\njunk-without-separator\n"))
	require.True(t, isolate.IsKind(err, isolate.ErrMetadataMalformed))

	_, err = isolate.ParseMetaFile([]byte("time:not-a-number\n"))
	require.True(t, isolate.IsKind(err, isolate.ErrMetadataMalformed))

	_, err = isolate.ParseMetaFile([]byte("exitcode:4.5\n"))
	require.True(t, isolate.IsKind(err, isolate.ErrMetadataMalformed))
}

// verdictScenario mirrors one [[scenarios]] entry in testdata/verdicts.toml.
type verdictScenario struct {
	Name      string  `toml:"name"`
	Meta      string  `toml:"meta"`
	CgEnabled bool    `toml:"cg_enabled"`
	CgLimitKB *uint32 `toml:"cg_limit_kb"`

	Status     string  `toml:"status"`
	ExitCode   *int    `toml:"exit_code"`
	ExitSignal *int    `toml:"exit_signal"`
	Killed     bool    `toml:"killed"`
	Message    *string `toml:"message"`
}

func TestVerdictScenarios(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "verdicts.toml"))
	require.NoError(t, err)

	var root struct {
		Scenarios []verdictScenario `toml:"scenarios"`
	}
	require.NoError(t, toml.Unmarshal(data, &root))
	require.NotEmpty(t, root.Scenarios)

	for _, sc := range root.Scenarios {
		t.Run(sc.Name, func(t *testing.T) {
			rec, err := isolate.ParseMetaFile([]byte(sc.Meta))
			require.NoError(t, err)

			cfg := isolate.NewConfig().WithCgroups(sc.CgEnabled)
			lim := isolate.NoLimits()
			if sc.CgLimitKB != nil {
				lim = lim.WithCgroupMemory(*sc.CgLimitKB)
			}
			rep := isolate.BuildReport(rec, cfg, lim, nil, nil)

			require.Equal(t, isolate.Status(sc.Status), rep.Status)
			require.Equal(t, sc.Killed, rep.Killed)
			if sc.ExitCode != nil {
				require.NotNil(t, rep.ExitCode)
				require.Equal(t, *sc.ExitCode, *rep.ExitCode)
			}
			if sc.ExitSignal != nil {
				require.NotNil(t, rep.ExitSignal)
				require.Equal(t, *sc.ExitSignal, *rep.ExitSignal)
			}
			if sc.Message != nil {
				require.Equal(t, *sc.Message, rep.Message)
			}
		})
	}
}

// Same metadata, same limits, same status: derivation has no hidden state.
func TestVerdictDeterminism(t *testing.T) {
	meta := []byte("status:SG\nexitsig:9\ncg-oom-killed:1\ncg-mem:8192\n")
	cfg := isolate.NewConfig()
	lim := isolate.NoLimits().WithCgroupMemory(8192)
	for i := 0; i < 10; i++ {
		rec, err := isolate.ParseMetaFile(meta)
		require.NoError(t, err)
		rep := isolate.BuildReport(rec, cfg, lim, nil, nil)
		require.Equal(t, isolate.StatusMemoryLimitExceeded, rep.Status)
	}
}

func TestReportMemoryPeakFollowsCgroupMode(t *testing.T) {
	rec, err := isolate.ParseMetaFile([]byte("max-rss:100\ncg-mem:900\nexitcode:0\n"))
	require.NoError(t, err)

	on := isolate.BuildReport(rec, isolate.NewConfig(), isolate.NoLimits(), nil, nil)
	require.Equal(t, uint32(900), on.MemoryPeakKB)

	off := isolate.BuildReport(rec, isolate.NewConfig().WithCgroups(false), isolate.NoLimits(), nil, nil)
	require.Equal(t, uint32(100), off.MemoryPeakKB)
}
