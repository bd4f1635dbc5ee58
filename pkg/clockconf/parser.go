package clockconf

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Stage tracks which directives the parser currently accepts for the
// active section.
type Stage int

const (
	// StageIdle is the initial stage: no section has been opened yet.
	StageIdle Stage = iota

	// StageExpectBasePort follows a fresh section header. Only a base_port
	// directive is accepted.
	StageExpectBasePort

	// StageBasePortSet follows an accepted base_port directive.
	StageBasePortSet

	// StageParameters follows at least one accepted parameter line.
	StageParameters
)

// String returns a short name for the stage.
func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageExpectBasePort:
		return "expect_base_port"
	case StageBasePortSet:
		return "base_port_set"
	case StageParameters:
		return "parameters"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// acceptsParameters reports whether a key/value line may be recorded.
func (s Stage) acceptsParameters() bool {
	return s == StageBasePortSet || s == StageParameters
}

var (
	sectionPattern   = regexp.MustCompile(`^ifname \[(\S*)\]`)
	basePortPattern  = regexp.MustCompile(`^base_port \[(\S*)\]`)
	parameterPattern = regexp.MustCompile(`^(\S*) (\S*)$`)
)

// SectionRecord holds the fields parsed for one interface section.
//
// Ifname, PortNames and UUID are reserved. The grammar never fills them,
// but they are always present so consumers can check for them.
type SectionRecord struct {
	BasePort   *string           `json:"base_port" yaml:"base_port"`
	Ifname     *string           `json:"ifname" yaml:"ifname"`
	Parameters map[string]string `json:"parameters" yaml:"parameters"`
	PortNames  []string          `json:"port_names" yaml:"port_names"`
	UUID       *string           `json:"uuid" yaml:"uuid"`
}

func newSectionRecord() *SectionRecord {
	return &SectionRecord{
		Parameters: make(map[string]string),
		PortNames:  []string{},
	}
}

// ParsedConfig maps a section name to its record.
type ParsedConfig map[string]*SectionRecord

// Names returns the section names in sorted order.
func (c ParsedConfig) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parse parses the clock configuration text and returns every section it
// could recognize. Malformed and out-of-order lines are skipped silently.
func Parse(raw string) ParsedConfig {
	cfg, _ := NewParser().Parse(raw)
	return cfg
}

// Parser parses clock configuration text.
type Parser struct {
	// Strict makes Parse report skipped lines as an error. The returned
	// configuration is the same either way.
	Strict bool
}

// Option configures a Parser.
type Option func(*Parser)

// WithStrict toggles strict mode.
func WithStrict(strict bool) Option {
	return func(p *Parser) {
		p.Strict = strict
	}
}

// NewParser creates a parser with the given options.
func NewParser(opts ...Option) *Parser {
	p := &Parser{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// parseState is the per-call state of the directive state machine.
type parseState struct {
	config  ParsedConfig
	current string
	stage   Stage
}

// Parse runs the directive state machine over raw. In strict mode a
// *SkippedLinesError lists every non-blank line that was ignored.
func (p *Parser) Parse(raw string) (ParsedConfig, error) {
	cfg, skipped := p.Scan(raw)
	return cfg, p.check(skipped)
}

func (p *Parser) check(skipped []SkippedLine) error {
	if p.Strict && len(skipped) > 0 {
		return &SkippedLinesError{Lines: skipped}
	}
	return nil
}

// Scan is Parse without the strict check. It returns every non-blank line
// that was ignored.
func (p *Parser) Scan(raw string) (ParsedConfig, []SkippedLine) {
	st := &parseState{
		config: make(ParsedConfig),
		stage:  StageIdle,
	}

	var skipped []SkippedLine
	for i, line := range strings.Split(raw, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		if reason, ok := st.apply(line); !ok {
			skipped = append(skipped, SkippedLine{
				Number: i + 1,
				Text:   line,
				Reason: reason,
			})
		}
	}

	return st.config, skipped
}

// apply classifies one line and performs the matching transition. It
// returns false with a reason when the line is skipped.
func (st *parseState) apply(line string) (SkipReason, bool) {
	if m := sectionPattern.FindStringSubmatch(line); m != nil {
		name := m[1]
		if _, exists := st.config[name]; exists {
			return SkipDuplicateSection, false
		}
		st.config[name] = newSectionRecord()
		st.current = name
		st.stage = StageExpectBasePort
		return "", true
	}

	if m := basePortPattern.FindStringSubmatch(line); m != nil {
		if st.stage != StageExpectBasePort {
			return SkipBasePortOutOfOrder, false
		}
		value := m[1]
		st.config[st.current].BasePort = &value
		st.stage = StageBasePortSet
		return "", true
	}

	m := parameterPattern.FindStringSubmatch(line)
	if m == nil {
		return SkipUnrecognized, false
	}
	if !st.stage.acceptsParameters() {
		return SkipParameterBeforeBasePort, false
	}
	st.config[st.current].Parameters[m[1]] = m[2]
	st.stage = StageParameters
	return "", true
}
