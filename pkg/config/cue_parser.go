package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/quadnix/octo-sub002/pkg/errs"
)

// CUEParser compiles CUE and JSON configuration files against the built-in schema.
type CUEParser struct {
	ctx     *cue.Context
	schemas *SchemaRegistry
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:     ctx,
		schemas: newSchemaRegistry(ctx),
	}
}

// Schemas returns the schema registry of the parser.
func (cp *CUEParser) Schemas() *SchemaRegistry {
	return cp.schemas
}

// Parse compiles and unifies sources. A source is a file or a directory holding a
// CUE package. The result is checked against the config schema.
func (cp *CUEParser) Parse(_ context.Context, sources []string) (cue.Value, error) {
	if len(sources) == 0 {
		return cue.Value{}, errs.NewValidationError("no configuration sources", nil)
	}

	var (
		value       cue.Value
		parseErrors []ParseError
	)
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return cue.Value{}, errs.NewValidationError(fmt.Sprintf("failed to stat source %s", source), err)
		}

		var val cue.Value
		var errList []ParseError
		if info.IsDir() {
			val, errList = cp.loadDirectory(source)
		} else {
			val, errList = cp.loadFile(source)
		}
		parseErrors = append(parseErrors, errList...)
		if !val.Exists() {
			continue
		}
		if value.Exists() {
			value = value.Unify(val)
		} else {
			value = val
		}
	}
	if len(parseErrors) > 0 {
		return cue.Value{}, parseFailure(parseErrors)
	}

	unified, err := cp.schemas.Unify("config", value)
	if err != nil {
		return cue.Value{}, parseFailure(convertCUEErrors(err))
	}
	return unified, nil
}

// ParseInline compiles inline CUE content.
func (cp *CUEParser) ParseInline(content string) (cue.Value, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return cue.Value{}, parseFailure(convertCUEErrors(err))
	}
	unified, err := cp.schemas.Unify("config", val)
	if err != nil {
		return cue.Value{}, parseFailure(convertCUEErrors(err))
	}
	return unified, nil
}

// Decode decodes val over cfg. Fields absent from val keep their value in cfg.
func (cp *CUEParser) Decode(val cue.Value, cfg *Config) error {
	if err := val.Decode(cfg); err != nil {
		return errs.NewValidationError("failed to decode configuration", err)
	}
	return nil
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []ParseError) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, []ParseError{{File: dir, Message: "no CUE files found"}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// loadFile loads a single CUE or JSON file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ParseError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ParseError{{File: path, Message: fmt.Sprintf("failed to read file: %v", err)}}
	}

	val := cp.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// convertCUEErrors flattens a CUE error into positioned parse errors.
func convertCUEErrors(err error) []ParseError {
	var out []ParseError
	for _, e := range errors.Errors(err) {
		pe := ParseError{Message: strings.TrimSpace(errors.Details(e, nil))}
		if pos := errors.Positions(e); len(pos) > 0 {
			pe.File = pos[0].Filename()
			pe.Line = pos[0].Line()
			pe.Column = pos[0].Column()
		}
		out = append(out, pe)
	}
	return out
}

func parseFailure(list []ParseError) error {
	messages := make([]string, 0, len(list))
	for _, pe := range list {
		messages = append(messages, pe.String())
	}
	return errs.NewValidationError("invalid configuration: "+strings.Join(messages, "; "), nil).
		WithDetail("errors", list)
}
