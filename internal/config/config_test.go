package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fidsync/internal/device"
	"github.com/roach88/fidsync/internal/fiducial"
	"github.com/roach88/fidsync/internal/params"
)

const twoDevices = `
regime: "legacy"
devices: {
	cam1: {
		event:        140
		delay:        1.0
		status_cell:  "CAM1:SYNC"
		capabilities: ["can_skip"]
	}
	digitizer: {
		event:        40
		capabilities: ["has_count", "has_time"]
		sim: period: 2
	}
}
`

func writeConfig(t *testing.T, dir, src string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "devices.cue"), []byte(src), 0644))
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse("devices.cue", twoDevices)
	require.NoError(t, err)

	assert.Equal(t, fiducial.Legacy, cfg.Regime)
	assert.Equal(t, params.DefaultTable(), cfg.Table)
	require.Len(t, cfg.Devices, 2)

	cam, ok := cfg.Device("cam1")
	require.True(t, ok)
	assert.Equal(t, 140, cam.Event)
	assert.Equal(t, 1.0, cam.Delay)
	assert.Equal(t, "CAM1:SYNC", cam.StatusCell)
	assert.Equal(t, device.CanSkip, cam.Caps)
	assert.True(t, cam.Slaved, "slaved defaults to true")
	assert.Equal(t, 1, cam.Sim.Period)

	dig, ok := cfg.Device("digitizer")
	require.True(t, ok)
	assert.True(t, dig.Caps.Has(device.HasCount|device.HasTime))
	assert.Equal(t, 2, dig.Sim.Period)
}

func TestParse_ParamsOverride(t *testing.T) {
	src := `
params: extended: {retry_count: 5, future_window: 3, far: 5, very_far: 8, close: 8}
devices: d: event: 1
`
	cfg, err := Parse("p.cue", src)
	require.NoError(t, err)
	assert.Equal(t, params.DefaultLegacy, cfg.Table.Legacy)
	assert.Equal(t, 5, cfg.Table.Extended.RetryCount)
	assert.Equal(t, int64(8), cfg.Table.Extended.VeryFarThreshold)
}

func TestParse_SchemaViolations(t *testing.T) {
	cases := map[string]string{
		"event out of range": `devices: d: event: 300`,
		"unknown capability": `devices: d: capabilities: ["teleport"]`,
		"unknown field":      `devices: d: evnet: 4`,
		"bad regime":         `regime: "lcls3", devices: d: event: 4`,
		"very_far not above": `params: legacy: {retry_count: 1, future_window: 1, far: 3, very_far: 3, close: 1}, devices: d: event: 4`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse("bad.cue", src)
			require.Error(t, err)
			var le *LoadError
			require.ErrorAs(t, err, &le)
		})
	}
}

func TestParse_NoDevices(t *testing.T) {
	_, err := Parse("empty.cue", `regime: "legacy"`)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrCodeInvalid, le.Code)
}

func TestParse_NormalizedNameCollision(t *testing.T) {
	// Precomposed U+00E9 vs. "e" followed by a combining acute accent.
	src := "devices: {\"cam\u00e9\": event: 1, \"came\u0301\": event: 2}"
	_, err := Parse("dup.cue", src)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrCodeDuplicate, le.Code)
	assert.True(t, le.Pos.IsValid(), "collision carries the label position")
}

func TestParse_SameDeviceDeclaredTwice(t *testing.T) {
	src := `
devices: cam1: event: 140
devices: cam1: delay: 2.0
`
	cfg, err := Parse("split.cue", src)
	require.NoError(t, err)
	cam, ok := cfg.Device("cam1")
	require.True(t, ok)
	assert.Equal(t, 140, cam.Event)
	assert.Equal(t, 2.0, cam.Delay)
}

func TestLoad_Directory(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, twoDevices)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Len(t, cfg.Devices, 2)
}

func TestLoad_SplitFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.cue"), []byte(`regime: "extended"`+"\n"+`devices: cam1: {event: 140, delay: 1.0}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.cue"), []byte(`devices: scope: {slaved: false}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not cue"), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, fiducial.Extended, cfg.Regime)
	require.Len(t, cfg.Devices, 2)
	assert.Equal(t, "cam1", cfg.Devices[0].Name)
	assert.False(t, cfg.Devices[1].Slaved)
}

func TestLoad_NormalizedNameCollisionAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.cue"), []byte("devices: \"cam\u00e9\": event: 1\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.cue"), []byte("devices: \"came\u0301\": event: 2\n"), 0644))

	_, err := Load(dir)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrCodeDuplicate, le.Code)
	assert.Equal(t, "b.cue", filepath.Base(le.Pos.Filename()))
}

func TestLoad_SchemaViolation(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "devices: cam1: event: 300\n")

	_, err := Load(dir)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrCodeSchema, le.Code)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing"))
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrCodeNotFound, le.Code)

	_, err = Load(t.TempDir())
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrCodeNoFiles, le.Code)
}

func TestCells_RedefineBumpsGeneration(t *testing.T) {
	c := NewCells(140, 1, fiducial.Legacy, "X")
	g := c.Generation()

	c.SetDelay(2)
	assert.Equal(t, g, c.Generation(), "retune is not a redefinition")

	c.Redefine(140, 2)
	assert.Equal(t, g+1, c.Generation(), "same values still start a new epoch")

	snap := c.Snapshot()
	assert.True(t, snap.Slaved)
	assert.Equal(t, int64(2), snap.DelayFiducials())
}

func TestSnapshot_DelayRounding(t *testing.T) {
	assert.Equal(t, int64(1), Snapshot{Delay: 0.5}.DelayFiducials())
	assert.Equal(t, int64(0), Snapshot{Delay: 0.49}.DelayFiducials())
	assert.Equal(t, int64(3), Snapshot{Delay: 2.7}.DelayFiducials())
}

func TestEventValid(t *testing.T) {
	assert.False(t, EventValid(0))
	assert.True(t, EventValid(1))
	assert.True(t, EventValid(255))
	assert.False(t, EventValid(256))
	assert.False(t, EventValid(-1))
}

func TestApply(t *testing.T) {
	cfg, err := Parse("devices.cue", twoDevices)
	require.NoError(t, err)

	cam := NewCells(140, 1, fiducial.Legacy, "CAM1:SYNC")
	dig := NewCells(41, 0, fiducial.Legacy, "")
	cells := map[string]*Cells{"cam1": cam, "digitizer": dig}
	camGen, digGen := cam.Generation(), dig.Generation()

	changed := Apply(cfg, cells)
	assert.Equal(t, []string{"digitizer"}, changed)
	assert.Equal(t, camGen, cam.Generation())
	assert.Equal(t, digGen+1, dig.Generation())
	assert.Equal(t, 40, dig.Snapshot().Event)

	cfg.Regime = fiducial.Extended
	cfg.Devices[0].Delay = 3
	changed = Apply(cfg, cells)
	assert.ElementsMatch(t, []string{"cam1", "digitizer"}, changed)
	assert.Equal(t, camGen, cam.Generation(), "delay retune keeps the generation")
	assert.Equal(t, 3.0, cam.Snapshot().Delay)
	assert.Equal(t, fiducial.Extended, dig.Snapshot().Regime)
}

func TestStatusBoard(t *testing.T) {
	b := NewStatusBoard()
	sink := MultiSink{b, nil}

	sink.PublishLock("A", true)
	sink.PublishLock("A", false)
	sink.PublishLock("B", true)

	v, ok := b.Value("A")
	assert.True(t, ok)
	assert.False(t, v)
	assert.Equal(t, 2, b.Writes("A"))
	assert.Equal(t, []string{"A", "B"}, b.Cells())
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, twoDevices)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(dir, 20*time.Millisecond, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	writeConfig(t, dir, `devices: solo: event: 9`)

	select {
	case cfg := <-reloaded:
		require.Len(t, cfg.Devices, 1)
		assert.Equal(t, "solo", cfg.Devices[0].Name)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}
	w.Stop()
}
