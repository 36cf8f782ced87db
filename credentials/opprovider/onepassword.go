// Package opprovider resolves credentials template references with the
// 1Password CLI.
package opprovider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/wolfeidau/manifest-cache/credentials"
)

// Binary is the 1Password CLI executable, looked up on PATH.
var Binary = "op"

// WithOnePassword exposes an "op" template function that runs `op read ref`.
func WithOnePassword() credentials.ResolverOption {
	return credentials.WithProvider("op", read)
}

func read(ctx context.Context, ref string) (string, error) {
	cmd := exec.CommandContext(ctx, Binary, "read", ref)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
