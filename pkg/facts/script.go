package facts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultScriptTimeout bounds a single script fact resolution.
const DefaultScriptTimeout = 30 * time.Second

// ScriptExt is the file extension of fact scripts.
const ScriptExt = ".star"

// scriptPredeclared lists the names a fact script can use without defining.
var scriptPredeclared = map[string]bool{
	"struct":    true,
	"exists":    true,
	"read_file": true,
	"read_dir":  true,
	"run":       true,
}

// ScriptFact compiles a Starlark program into a fact. The program must
// assign the fact value to the global "value"; None leaves it unset.
//
// Programs reach the host only through the executor builtins:
//
//	exists(path) -> bool
//	read_file(path) -> string
//	read_dir(path) -> list of names
//	run(command) -> struct(stdout, stderr, code)
func ScriptFact(name, source string, timeout time.Duration) (Fact, error) {
	if timeout == 0 {
		timeout = DefaultScriptTimeout
	}

	_, program, err := starlark.SourceProgram(name+ScriptExt, source, func(s string) bool {
		return scriptPredeclared[s]
	})
	if err != nil {
		return Fact{}, fmt.Errorf("%w: script %s: %v", ErrInvalidFact, name, err)
	}

	return Fact{
		Name:        name,
		Description: "Scripted fact " + name,
		Resolve: func(ctx context.Context, ex Executor) (any, error) {
			return runScript(ctx, name, program, ex, timeout)
		},
	}, nil
}

// LoadScripts registers a fact for every script found in paths. A
// directory contributes its *.star files; the fact is named after the
// file.
func LoadScripts(r *Registry, paths []string, timeout time.Duration) error {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(path, "*"+ScriptExt))
		if err != nil {
			return fmt.Errorf("failed to list scripts in %s: %w", path, err)
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}

	for _, file := range files {
		source, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read script: %w", err)
		}

		name := strings.TrimSuffix(filepath.Base(file), ScriptExt)
		f, err := ScriptFact(name, string(source), timeout)
		if err != nil {
			return err
		}
		if err := r.Register(f); err != nil {
			return err
		}

		log.Debug().Str("fact", name).Str("path", file).Msg("Registered scripted fact")
	}

	return nil
}

func runScript(ctx context.Context, name string, program *starlark.Program, ex Executor, timeout time.Duration) (any, error) {
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "fact:" + name,
		Print: func(_ *starlark.Thread, msg string) {
			log.Debug().Str("fact", name).Msg(msg)
		},
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		globals, err := program.Init(thread, scriptBuiltins(evalCtx, ex))
		if err != nil {
			done <- outcome{err: fmt.Errorf("script failed: %w", err)}
			return
		}

		raw, ok := globals["value"]
		if !ok {
			done <- outcome{err: fmt.Errorf("script did not set value")}
			return
		}

		value, err := fromStarlarkValue(raw)
		done <- outcome{value: value, err: err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel(evalCtx.Err().Error())
		return nil, fmt.Errorf("script execution interrupted: %w", evalCtx.Err())
	case out := <-done:
		return out.value, out.err
	}
}

func scriptBuiltins(ctx context.Context, ex Executor) starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),

		"exists": starlark.NewBuiltin("exists", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var path string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
				return nil, err
			}
			ok, err := ex.Exists(ctx, path)
			if err != nil {
				return nil, err
			}
			return starlark.Bool(ok), nil
		}),

		"read_file": starlark.NewBuiltin("read_file", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var path string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
				return nil, err
			}
			data, err := ex.ReadFile(ctx, path)
			if err != nil {
				return nil, err
			}
			return starlark.String(data), nil
		}),

		"read_dir": starlark.NewBuiltin("read_dir", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var path string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
				return nil, err
			}
			entries, err := ex.ReadDir(ctx, path)
			if err != nil {
				return nil, err
			}
			list := make([]starlark.Value, len(entries))
			for i, entry := range entries {
				list[i] = starlark.String(entry)
			}
			return starlark.NewList(list), nil
		}),

		"run": starlark.NewBuiltin("run", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var command string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "command", &command); err != nil {
				return nil, err
			}
			stdout, stderr, code, err := ex.Run(ctx, command)
			if err != nil {
				return nil, err
			}
			return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
				"stdout": starlark.String(stdout),
				"stderr": starlark.String(stderr),
				"code":   starlark.MakeInt(code),
			}), nil
		}),
	}
}

// fromStarlarkValue converts a script result to a plain Go value.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]any, len(val))
		for i, item := range val {
			converted, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = converted
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]any)
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
