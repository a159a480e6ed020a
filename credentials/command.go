package credentials

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// WithCommand registers a template function that resolves a reference by
// running argv with the reference appended and reading stdout.
func WithCommand(name string, argv ...string) ResolverOption {
	return WithProvider(name, func(ctx context.Context, ref string) (string, error) {
		if len(argv) == 0 {
			return "", fmt.Errorf("provider %q has no command", name)
		}
		args := append(append([]string{}, argv[1:]...), ref)
		cmd := exec.CommandContext(ctx, argv[0], args...)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("%s %q: %s: %w", argv[0], ref, strings.TrimSpace(stderr.String()), err)
		}
		return strings.TrimSpace(stdout.String()), nil
	})
}

// WithOnePassword registers an "op" template function backed by `op read`.
func WithOnePassword() ResolverOption {
	return WithCommand("op", "op", "read")
}
