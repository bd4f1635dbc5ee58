package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
)

// ValidationError is a schema violation located in the config file.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	if e.Line == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
}

// SchemaError carries every schema violation of a config file.
type SchemaError struct {
	Errors []ValidationError
}

func (e *SchemaError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return "config does not match schema: " + strings.Join(msgs, "; ")
}

// Schema checks raw YAML config documents against the CUE definition of
// the config file. The definition is closed so misspelled keys are
// reported instead of silently ignored.
type Schema struct {
	ctx *cue.Context
	def cue.Value
}

// NewSchema compiles the built-in config schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()

	val := ctx.CompileString(configSchema, cue.Filename("config.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}

	def := val.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("config schema has no #Config: %w", err)
	}

	return &Schema{ctx: ctx, def: def}, nil
}

// Validate checks the YAML document data read from filename.
func (s *Schema) Validate(filename string, data []byte) error {
	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", filename, err)
	}

	doc := s.ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return &SchemaError{Errors: convertCUEErrors(err)}
	}

	if err := s.def.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return &SchemaError{Errors: convertCUEErrors(err)}
	}
	return nil
}

func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		validationErrors = append(validationErrors, ve)
	}

	return validationErrors
}

const configSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Host: {
	name:              string & =~"^[a-zA-Z0-9][a-zA-Z0-9_.-]*$"
	address:           string & !=""
	port?:             int & >=1 & <=65535
	user:              string & !=""
	key_path?:         string
	password?:         string
	known_hosts_path?: string
	labels?: [string]: string
}

#SettingType: {
	name:         string & =~"^[a-z][a-z0-9_]*$"
	path:         string & =~"^/"
	separator?:   string
	description?: string
}

#Config: {
	root?: string

	database?: {
		path?: string & !=""
	}

	clock_conf?: {
		path?:   string & =~"^/"
		strict?: bool
	}

	facts?: {
		ttl?:            #Duration
		script_timeout?: #Duration
		scripts?: [...string]
	}

	policies?: {
		paths?: [...string]
		protected?: [...=~"^[a-z][a-z0-9_]*:[^/]+/.+$"]
		disabled?: [...string]
	}

	hosts?: [...#Host]
	settings?: [...#SettingType]

	telemetry?: {
		service_name?:    string
		service_version?: string
		environment?:     string
		logging?: {
			level?:               "trace" | "debug" | "info" | "warn" | "error" | "fatal"
			format?:              "console" | "json"
			output?:              string
			enable_caller?:       bool
			enable_sampling?:     bool
			sampling_initial?:    int & >=0
			sampling_thereafter?: int & >=0
			time_format?:         "unix" | "unixms" | "unixmicro" | "rfc3339"
		}
		tracing?: {
			enabled?:               bool
			exporter?:              "otlp" | "stdout" | "none"
			endpoint?:              string
			sampling_rate?:         number & >=0 & <=1
			max_export_batch_size?: int & >0
			export_timeout?:        #Duration
			headers?: [string]: string
			insecure?: bool
		}
		metrics?: {
			enabled?:        bool
			listen_address?: string
			path?:           =~"^/"
			namespace?:      string
			histogram_buckets?: [...number]
		}
		events?: {
			enabled?: bool
		}
	}
}
`
