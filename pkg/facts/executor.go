package facts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
)

// LocalExecutor runs fact primitives on the local machine.
type LocalExecutor struct {
	// Root is prepended to every path, e.g. a chroot or test fixture.
	Root string

	// Shell runs commands, defaults to /bin/sh.
	Shell string
}

func (e *LocalExecutor) path(p string) string {
	if e.Root == "" {
		return p
	}
	return filepath.Join(e.Root, p)
}

// Run executes command with "<shell> -c".
func (e *LocalExecutor) Run(ctx context.Context, command string) (string, string, int, error) {
	if command == "" {
		return "", "", 0, fmt.Errorf("command is required")
	}

	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	if e.Root != "" {
		cmd.Dir = e.Root
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
		}
		return stdout.String(), stderr.String(), -1, fmt.Errorf("failed to execute command: %w", err)
	}

	return stdout.String(), stderr.String(), 0, nil
}

// Exists reports whether path exists. Broken permissions are errors.
func (e *LocalExecutor) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(e.path(path))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", path, err)
}

// ReadDir returns the sorted entry names of path.
func (e *LocalExecutor) ReadDir(_ context.Context, path string) ([]string, error) {
	entries, err := os.ReadDir(e.path(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", path, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ReadFile returns the contents of path.
func (e *LocalExecutor) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(e.path(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return data, nil
}
