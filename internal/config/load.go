// Package config loads device configuration and holds the live values a
// synchronizer reads on every iteration.
//
// Configuration directories contain CUE files without a package clause:
//
//	regime: "legacy"
//	params: legacy: {retry_count: 3, future_window: 1, far: 2, very_far: 3, close: 3}
//	devices: cam1: {
//	    event:        140
//	    delay:        1.0
//	    status_cell:  "CAM1:SYNC"
//	    capabilities: ["can_skip"]
//	}
//
// The files are unified with an embedded schema (schema.cue), so a typo or
// an out-of-range value is reported with its CUE position. Decoded values
// are checked again with validator tags before use. Device labels that only
// differ in Unicode normalization are rejected before CUE merges them.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/parser"
	"cuelang.org/go/cue/token"
	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/fidsync/internal/device"
	"github.com/roach88/fidsync/internal/fiducial"
	"github.com/roach88/fidsync/internal/params"
)

//go:embed schema.cue
var schemaCUE string

// Error codes reported by LoadError.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeSchema      = "E201" // Schema violation
	ErrCodeInvalid     = "E202" // Decoded values failed validation
	ErrCodeDuplicate   = "E203" // Two device names normalize to the same key
)

// LoadError reports a configuration problem, with a CUE position when one
// is known.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// SimConfig holds the parameters of a simulated device and its trigger.
type SimConfig struct {
	// Period is the number of fiducials between two trigger events.
	Period int `json:"period" validate:"gt=0"`
	// BadEvery makes every Nth FIFO entry a bad fiducial (0 = never).
	BadEvery int `json:"bad_every" validate:"gte=0"`
	// SkipEvery makes the device drop every Nth sample (0 = never).
	SkipEvery int `json:"skip_every" validate:"gte=0"`
	// Lag shifts the real capture delay away from the configured one.
	Lag int `json:"lag"`
}

type deviceFile struct {
	Event        int       `json:"event" validate:"gte=0,lte=255"`
	Delay        float64   `json:"delay" validate:"gte=0"`
	StatusCell   string    `json:"status_cell"`
	Capabilities []string  `json:"capabilities" validate:"dive,oneof=can_skip has_count has_time"`
	Slaved       bool      `json:"slaved"`
	Sim          SimConfig `json:"sim"`
}

type paramsFile struct {
	Legacy   *params.Params `json:"legacy,omitempty"`
	Extended *params.Params `json:"extended,omitempty"`
}

type configFile struct {
	Regime  string                `json:"regime" validate:"oneof=legacy extended"`
	Params  paramsFile            `json:"params"`
	Devices map[string]deviceFile `json:"devices" validate:"required,min=1,dive"`
}

// Device is one validated device definition.
type Device struct {
	Name       string
	Event      int
	Delay      float64
	StatusCell string
	Caps       device.Capabilities
	Slaved     bool
	Sim        SimConfig
}

// Config is a validated configuration directory.
type Config struct {
	Regime  fiducial.Regime
	Table   params.Table
	Devices []Device // sorted by name
}

// Device returns the device with the given (normalized) name.
func (c *Config) Device(name string) (Device, bool) {
	name = NormalizeName(name)
	for _, d := range c.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return Device{}, false
}

// NewCells creates the live cells for d under regime r.
func (d Device) NewCells(r fiducial.Regime) *Cells {
	if !d.Slaved {
		return NewFreeRunning(d.StatusCell)
	}
	return NewCells(d.Event, d.Delay, r, d.StatusCell)
}

// NormalizeName returns the canonical (NFC) form of a device name. Names are
// used as store keys, metric labels and status cell defaults, so visually
// identical names must compare equal byte for byte.
func NormalizeName(name string) string {
	return norm.NFC.String(name)
}

var validate = validator.New()

// Load reads every CUE file in dir and returns the validated configuration.
func Load(dir string) (*Config, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("config directory not found: %s", dir)}
	}
	if !info.IsDir() {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("resolving %s: %v", dir, err)}
	}
	files, err := filepath.Glob(filepath.Join(abs, "*.cue"))
	if err != nil || len(files) == 0 {
		return nil, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}
	sort.Strings(files)

	parsed := make([]*ast.File, 0, len(files))
	for _, file := range files {
		f, err := parser.ParseFile(file, nil)
		if err != nil {
			return nil, cueError(ErrCodeBuildFailed, err)
		}
		parsed = append(parsed, f)
	}
	if err := checkDeviceNames(parsed...); err != nil {
		return nil, err
	}

	// Configuration files carry no package clause; "_" selects exactly those.
	ctx := cuecontext.New()
	instances := load.Instances(files, &load.Config{Dir: abs, Package: "_"})
	if len(instances) == 0 {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, cueError(ErrCodeBuildFailed, err)
	}
	return fromValue(ctx, value)
}

// Parse compiles a single CUE source. Used by tests and the harness.
func Parse(filename, src string) (*Config, error) {
	f, err := parser.ParseFile(filename, src)
	if err != nil {
		return nil, cueError(ErrCodeBuildFailed, err)
	}
	if err := checkDeviceNames(f); err != nil {
		return nil, err
	}

	ctx := cuecontext.New()
	value := ctx.BuildFile(f)
	if err := value.Err(); err != nil {
		return nil, cueError(ErrCodeBuildFailed, err)
	}
	return fromValue(ctx, value)
}

// checkDeviceNames rejects two device labels that are spelled differently
// but normalize to the same name. CUE itself unifies such labels, so the
// check runs on the source before evaluation. The same label declared
// twice is ordinary unification and allowed.
func checkDeviceNames(files ...*ast.File) error {
	seen := make(map[string]string)
	for _, f := range files {
		for _, decl := range f.Decls {
			field, ok := decl.(*ast.Field)
			if !ok || labelText(field.Label) != "devices" {
				continue
			}
			st, ok := field.Value.(*ast.StructLit)
			if !ok {
				continue
			}
			for _, elt := range st.Elts {
				dev, ok := elt.(*ast.Field)
				if !ok {
					continue
				}
				raw := labelText(dev.Label)
				if raw == "" {
					continue
				}
				name := NormalizeName(raw)
				if prev, dup := seen[name]; dup && prev != raw {
					return &LoadError{
						Code:    ErrCodeDuplicate,
						Message: fmt.Sprintf("devices %q and %q normalize to the same name", prev, raw),
						Pos:     dev.Label.Pos(),
					}
				}
				seen[name] = raw
			}
		}
	}
	return nil
}

// labelText returns a field label exactly as written, unquoted. Labels
// that are not plain identifiers or strings return "".
func labelText(l ast.Label) string {
	switch l := l.(type) {
	case *ast.Ident:
		return l.Name
	case *ast.BasicLit:
		if l.Kind != token.STRING {
			return ""
		}
		s, err := strconv.Unquote(l.Value)
		if err != nil {
			return ""
		}
		return s
	}
	return ""
}

func fromValue(ctx *cue.Context, value cue.Value) (*Config, error) {
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("embedded schema: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(ErrCodeSchema, err)
	}

	var cf configFile
	if err := unified.Decode(&cf); err != nil {
		return nil, cueError(ErrCodeSchema, err)
	}
	return build(cf)
}

func build(cf configFile) (*Config, error) {
	if err := validate.Struct(cf); err != nil {
		return nil, &LoadError{Code: ErrCodeInvalid, Message: err.Error()}
	}

	regime, err := fiducial.ParseRegime(cf.Regime)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeInvalid, Message: err.Error()}
	}

	table := params.DefaultTable()
	if cf.Params.Legacy != nil {
		if table, err = table.Override(fiducial.Legacy, *cf.Params.Legacy); err != nil {
			return nil, &LoadError{Code: ErrCodeInvalid, Message: err.Error()}
		}
	}
	if cf.Params.Extended != nil {
		if table, err = table.Override(fiducial.Extended, *cf.Params.Extended); err != nil {
			return nil, &LoadError{Code: ErrCodeInvalid, Message: err.Error()}
		}
	}

	cfg := &Config{Regime: regime, Table: table}
	for raw, df := range cf.Devices {
		name := NormalizeName(raw)
		caps, err := device.ParseCapabilities(df.Capabilities)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeInvalid, Message: fmt.Sprintf("device %s: %v", name, err)}
		}
		cfg.Devices = append(cfg.Devices, Device{
			Name:       name,
			Event:      df.Event,
			Delay:      df.Delay,
			StatusCell: df.StatusCell,
			Caps:       caps,
			Slaved:     df.Slaved,
			Sim:        df.Sim,
		})
	}
	sort.Slice(cfg.Devices, func(i, j int) bool { return cfg.Devices[i].Name < cfg.Devices[j].Name })

	return cfg, nil
}

// cueError converts a CUE error into a LoadError carrying the first
// reported position.
func cueError(code string, err error) error {
	le := &LoadError{Code: code, Message: err.Error()}
	var ce cueerrors.Error
	if errors.As(err, &ce) {
		le.Pos = ce.Position()
		if list := cueerrors.Errors(err); len(list) > 0 {
			le.Message = list[0].Error()
			if p := list[0].Position(); p.IsValid() {
				le.Pos = p
			}
		}
	}
	return le
}
