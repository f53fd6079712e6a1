// Package onepassword reads secrets with the 1Password CLI.
package onepassword

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/wolfeidau/dataserver/secrets"
)

// Binary is the CLI executable looked up on PATH.
const Binary = "op"

// Provider returns a secrets option exposing `op read` to templates as "op".
func Provider() secrets.Option {
	return secrets.WithProvider("op", Read)
}

// Read resolves an op:// reference.
func Read(ctx context.Context, ref string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, Binary, "read", "--no-newline", ref)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s read: %s: %w", Binary, msg, err)
		}
		return "", fmt.Errorf("%s read: %w", Binary, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
