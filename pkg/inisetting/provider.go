package inisetting

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/renameio"
	"github.com/rs/zerolog/log"
	"gopkg.in/ini.v1"

	"github.com/platformconf/platformconf/pkg/engine"
)

var iniLayoutOnce sync.Once

// useIniLayout switches ini.v1 to "key=value" lines without column
// alignment and an explicit [DEFAULT] header, the layout oslo-style
// services expect. ini.v1 only exposes these as package variables, so the
// change applies process-wide; it is made once, when the first provider
// is created. Nothing else in pconf renders ini files.
func useIniLayout() {
	iniLayoutOnce.Do(func() {
		ini.PrettyFormat = false
		ini.DefaultHeader = true
	})
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("setting_name", func(fl validator.FieldLevel) bool {
		return ValidName(fl.Field().String())
	})
	return v
}

// IniProvider manages settings of one ini file.
type IniProvider struct {
	def  Definition
	path string

	mu sync.Mutex
}

// NewIniProvider creates a provider for def with its file under root.
func NewIniProvider(def Definition, root string) *IniProvider {
	useIniLayout()

	path := def.Path
	if root != "" {
		path = filepath.Join(root, def.Path)
	}
	return &IniProvider{def: def, path: path}
}

// Path returns the file managed by the provider.
func (p *IniProvider) Path() string {
	return p.path
}

// Metadata describes the provider.
func (p *IniProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Type:        p.def.Name,
		Path:        p.def.Path,
		Separator:   p.def.separator(),
		Description: p.def.Description,
	}
}

var (
	_ engine.SettingProvider = (*IniProvider)(nil)
	_ engine.ValueNormalizer = (*IniProvider)(nil)
)

// NormalizeValue implements engine.ValueNormalizer with MungeValue.
func (p *IniProvider) NormalizeValue(value string) string {
	return MungeValue(value)
}

func (p *IniProvider) load() (*ini.File, error) {
	f, err := ini.LoadSources(ini.LoadOptions{
		Loose:                    true,
		IgnoreInlineComment:      true,
		KeyValueDelimiterOnWrite: p.def.separator(),
	}, p.path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, engine.NewPermanentError("settings file not readable", err).
				WithResource(p.path).
				WithCode(engine.ErrCodePermissionDenied)
		}
		return nil, engine.NewPermanentError("failed to parse settings file", err).
			WithResource(p.path).
			WithCode(engine.ErrCodeParse)
	}
	return f, nil
}

func (p *IniProvider) save(f *ini.File) error {
	// DefaultHeader would otherwise emit a bare [DEFAULT] into every file.
	if sec, err := f.GetSection(ini.DefaultSection); err == nil && len(sec.Keys()) == 0 && sec.Comment == "" {
		f.DeleteSection(ini.DefaultSection)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return engine.NewPermanentError("failed to render settings file", err).
			WithResource(p.path).
			WithCode(engine.ErrCodeProviderFailed)
	}

	mode := os.FileMode(0o644)
	if info, err := os.Stat(p.path); err == nil {
		mode = info.Mode().Perm()
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return engine.NewPermanentError("failed to create settings directory", err).
			WithResource(p.path).
			WithCode(engine.ErrCodeProviderFailed)
	}

	if err := renameio.WriteFile(p.path, buf.Bytes(), mode); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return engine.NewPermanentError("settings file not writable", err).
				WithResource(p.path).
				WithCode(engine.ErrCodePermissionDenied)
		}
		return engine.NewTransientError("failed to write settings file", err).
			WithResource(p.path)
	}
	return nil
}

// Read returns the current value of a setting.
func (p *IniProvider) Read(_ context.Context, name string) (*engine.Setting, error) {
	section, key, err := SplitName(name)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := p.load()
	if err != nil {
		return nil, err
	}

	sec, err := f.GetSection(section)
	if err != nil || !sec.HasKey(key) {
		return nil, engine.NewNotFoundError("setting not found", name).
			WithDetail("path", p.path)
	}

	return &engine.Setting{
		Name:    name,
		Section: section,
		Key:     key,
		Value:   sec.Key(key).String(),
	}, nil
}

// Write ensures the setting is present with the given value.
func (p *IniProvider) Write(_ context.Context, setting engine.Setting) (*engine.Change, error) {
	if err := validate.Struct(setting); err != nil {
		return nil, engine.NewValidationError("invalid setting", err).WithResource(setting.Name)
	}

	section, key, err := SplitName(setting.Name)
	if err != nil {
		return nil, err
	}
	value := MungeValue(setting.Value)

	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := p.load()
	if err != nil {
		return nil, err
	}

	change := &engine.Change{
		Name:   setting.Name,
		Action: engine.ChangeActionCreate,
		After:  redact(value, setting.Secret, RedactedNew),
	}

	if sec, err := f.GetSection(section); err == nil && sec.HasKey(key) {
		current := sec.Key(key).String()
		if current == value {
			change.Action = engine.ChangeActionNone
			change.Before = redact(current, setting.Secret, RedactedOld)
			return change, nil
		}
		change.Action = engine.ChangeActionUpdate
		change.Before = redact(current, setting.Secret, RedactedOld)
	}

	sec, err := f.NewSection(section)
	if err != nil {
		return nil, engine.NewValidationError("invalid section name", err).WithResource(setting.Name)
	}
	if _, err := sec.NewKey(key, value); err != nil {
		return nil, engine.NewValidationError("invalid setting key", err).WithResource(setting.Name)
	}

	if err := p.save(f); err != nil {
		return nil, err
	}

	change.Changed = true

	log.Info().
		Str("type", p.def.Name).
		Str("setting", setting.Name).
		Str("action", string(change.Action)).
		Str("before", change.Before).
		Str("after", change.After).
		Msg("Setting written")

	return change, nil
}

// Delete ensures the setting is absent. A section left without keys is
// removed as well.
func (p *IniProvider) Delete(_ context.Context, name string) (*engine.Change, error) {
	section, key, err := SplitName(name)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := p.load()
	if err != nil {
		return nil, err
	}

	change := &engine.Change{
		Name:   name,
		Action: engine.ChangeActionNone,
	}

	sec, err := f.GetSection(section)
	if err != nil || !sec.HasKey(key) {
		return change, nil
	}

	change.Action = engine.ChangeActionDelete
	change.Before = sec.Key(key).String()

	sec.DeleteKey(key)
	if len(sec.Keys()) == 0 && sec.Name() != ini.DefaultSection {
		f.DeleteSection(section)
	}

	if err := p.save(f); err != nil {
		return nil, err
	}

	change.Changed = true

	log.Info().
		Str("type", p.def.Name).
		Str("setting", name).
		Msg("Setting removed")

	return change, nil
}

// List enumerates every setting in the file in file order.
func (p *IniProvider) List(_ context.Context) ([]engine.Setting, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := p.load()
	if err != nil {
		return nil, err
	}

	settings := []engine.Setting{}
	for _, sec := range f.Sections() {
		for _, k := range sec.Keys() {
			settings = append(settings, engine.Setting{
				Name:    fmt.Sprintf("%s/%s", sec.Name(), k.Name()),
				Section: sec.Name(),
				Key:     k.Name(),
				Value:   k.String(),
			})
		}
	}
	return settings, nil
}
