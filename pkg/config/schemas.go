package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a schema registry holding the built-in "config" schema.
func NewSchemaRegistry() *SchemaRegistry {
	return newSchemaRegistry(cuecontext.New())
}

func newSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("config", builtinConfigSchema, "#Config"); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles schema and registers the definition found at path
// (for example "#Config") under name.
func (sr *SchemaRegistry) RegisterSchema(name, schema, path string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(path))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, path)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with the named schema and reports any conflict.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data any) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// builtinConfigSchema constrains the configuration file. Durations are integers in
// nanoseconds, as in JSON.
const builtinConfigSchema = `
#Config: {
	state?: #State
	engine?: {
		maxParallel?: int & >=1 & <=256
		record?:      bool
	}
	telemetry?: {
		serviceName?:    string & !=""
		serviceVersion?: string & !=""
		environment?:    string
		logging?: {
			level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal"
			format?: "console" | "json"
			...
		}
		tracing?: {
			exporter?:     "otlp" | "stdout" | "none"
			samplingRate?: number & >=0 & <=1
			...
		}
		...
	}
	policy?: {
		paths?: [...string & !=""]
		disabled?: [...string]
		guards?: [...#Guard]
	}
}

#State: {
	backend: "memory" | "local" | "sqlite" | "s3" | "sftp"
	path?:   string
	if backend == "local" || backend == "sqlite" {
		path: string & !=""
	}
	s3?: {
		bucket?:               string
		prefix?:               string
		region?:               string
		profile?:              string
		dynamodbTable?:        string
		serverSideEncryption?: bool
	}
	sftp?: {
		host?:           string
		port?:           int & >=1 & <=65535
		user?:           string
		privateKeyPath?: string
		knownHostsPath?: string
		dir?:            string
		timeout?:        int
	}
	encrypt?: bool
}

#Guard: {
	name:      string & !=""
	expr:      string & !=""
	severity?: "info" | "warning" | "error" | "critical"
}
`
