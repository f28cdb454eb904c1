package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

// ValidationError describes one problem in a settings file.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.File == "" {
		return e.Message
	}
	if e.Line == 0 {
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
}

// LoadError collects the problems found while loading a settings file.
type LoadError struct {
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Error()
	}
	return "invalid settings file: " + strings.Join(msgs, "; ")
}

// Load reads settings from a YAML (.yaml, .yml) or CUE (.cue) file. Values
// absent from the file keep their defaults. The result is validated.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(data)
	case ".cue":
		return LoadCUE(data, path)
	default:
		return nil, fmt.Errorf("unsupported settings format: %s", filepath.Ext(path))
	}
}

// LoadYAML decodes YAML settings over the defaults.
func LoadYAML(data []byte) (*Settings, error) {
	s := DefaultSettings()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadCUE compiles CUE settings, checks them against the settings schema and
// decodes them over the defaults. filename is only used in error positions.
func LoadCUE(data []byte, filename string) (*Settings, error) {
	cctx := cuecontext.New()

	schema := cctx.CompileString(settingsSchema, cue.Filename("settings_schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile settings schema: %w", err)
	}

	val := cctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(err)}
	}

	unified := schema.LookupPath(cue.ParsePath("#Settings")).Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(err)}
	}

	s := DefaultSettings()
	if err := unified.Decode(s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// convertCUEErrors flattens a CUE error list, keeping the first position of
// each error.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}
