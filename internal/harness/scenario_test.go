package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
name: minimal
description: "minimal scenario"
device:
  name: cam1
  event: 140
  delay: 0
start: 0x1000
steps:
  - tick: 0
assertions:
  - type: final_state
    state: VERIFYING(3)
`

func TestParseScenario_Minimal(t *testing.T) {
	s, err := ParseScenario([]byte(minimal))
	require.NoError(t, err)
	assert.Equal(t, "minimal", s.Name)
	assert.Equal(t, uint64(0x1000), s.Start)
	assert.True(t, s.Device.slaved())
	require.Len(t, s.Steps, 1)
	require.NotNil(t, s.Steps[0].Tick)
	assert.Equal(t, int64(0), *s.Steps[0].Tick)
}

func TestLoadScenario_FileNotFound(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o644))
	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "minimal", s.Name)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown field",
			yaml: minimal + "assertion: []\n",
			want: "failed to parse YAML",
		},
		{
			name: "missing description",
			yaml: `
name: x
device: {name: cam1, event: 140}
steps: [{tick: 0}]
assertions: [{type: final_state, state: LOCKED}]
`,
			want: "description is required",
		},
		{
			name: "invalid event",
			yaml: `
name: x
description: d
device: {name: cam1, event: 300}
steps: [{tick: 0}]
assertions: [{type: final_state, state: LOCKED}]
`,
			want: "not a valid trigger event",
		},
		{
			name: "unknown capability",
			yaml: `
name: x
description: d
device: {name: cam1, event: 140, capabilities: [can_fly]}
steps: [{tick: 0}]
assertions: [{type: final_state, state: LOCKED}]
`,
			want: "unknown capability",
		},
		{
			name: "no steps",
			yaml: `
name: x
description: d
device: {name: cam1, event: 140}
steps: []
assertions: [{type: final_state, state: LOCKED}]
`,
			want: "steps list is required",
		},
		{
			name: "bad without tick",
			yaml: `
name: x
description: d
device: {name: cam1, event: 140}
steps: [{bad: true}]
assertions: [{type: final_state, state: LOCKED}]
`,
			want: "bad requires tick",
		},
		{
			name: "bad expect state",
			yaml: `
name: x
description: d
device: {name: cam1, event: 140}
steps: [{tick: 0, expect: SORT_OF_LOCKED}]
assertions: [{type: final_state, state: LOCKED}]
`,
			want: "invalid state",
		},
		{
			name: "unknown assertion",
			yaml: `
name: x
description: d
device: {name: cam1, event: 140}
steps: [{tick: 0}]
assertions: [{type: trace_contains}]
`,
			want: "unknown assertion type",
		},
		{
			name: "states without values",
			yaml: `
name: x
description: d
device: {name: cam1, event: 140}
steps: [{tick: 0}]
assertions: [{type: states}]
`,
			want: "values is required",
		},
		{
			name: "invalid params",
			yaml: `
name: x
description: d
device: {name: cam1, event: 140}
params: {retry_count: 3, future_window: 1, far: 4, very_far: 3, close: 3}
steps: [{tick: 0}]
assertions: [{type: final_state, state: LOCKED}]
`,
			want: "params",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSessionIDs_OnePerReset(t *testing.T) {
	s := &Scenario{Steps: []Step{{}, {Reset: true}, {Reset: true}}}
	assert.Equal(t, []string{"session-1", "session-2", "session-3"}, sessionIDs(s))
}
