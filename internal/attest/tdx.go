package attest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/dstack-verify/attestor/internal/platform/apperr"
)

// QuoteTool shells out to a bundled TDX quote decoder/verifier binary
// (spec.md §6 "TDX quote tool"). Each call runs in its own temp
// directory so concurrent verification runs never share working-dir
// state (spec.md §9 "external binary for quote verification").
type QuoteTool struct {
	binaryPath string
}

// NewQuoteTool binds the adapter to the configured binary path.
func NewQuoteTool(binaryPath string) *QuoteTool {
	return &QuoteTool{binaryPath: binaryPath}
}

// Decode invokes `decode [--hex] <file>` and parses the resulting JSON
// into a Quote.
func (t *QuoteTool) Decode(ctx context.Context, quoteBytes []byte, isHex bool) (*Quote, error) {
	out, err := t.runWithTempInput(ctx, quoteBytes, func(path string) []string {
		args := []string{"decode"}
		if isHex {
			args = append(args, "--hex")
		}
		return append(args, path)
	})
	if err != nil {
		return nil, err
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, apperr.HardwareInvalid("quote tool emitted invalid JSON: " + err.Error())
	}

	quote := &Quote{Raw: raw}
	if err := json.Unmarshal(out, quote); err != nil {
		return nil, apperr.HardwareInvalid("quote tool output did not match expected shape: " + err.Error())
	}
	return quote, nil
}

// Verify invokes `verify [--hex] <file>` and reports whether the
// bundled tool accepted the quote's signature chain.
func (t *QuoteTool) Verify(ctx context.Context, quoteBytes []byte, isHex bool) (bool, error) {
	out, err := t.runWithTempInput(ctx, quoteBytes, func(path string) []string {
		args := []string{"verify"}
		if isHex {
			args = append(args, "--hex")
		}
		return append(args, path)
	})
	if err != nil {
		return false, err
	}

	var verdict struct {
		Valid bool `json:"valid"`
	}
	if err := json.Unmarshal(out, &verdict); err != nil {
		return false, apperr.HardwareInvalid("quote tool emitted invalid JSON: " + err.Error())
	}
	return verdict.Valid, nil
}

func (t *QuoteTool) runWithTempInput(ctx context.Context, data []byte, buildArgs func(path string) []string) ([]byte, error) {
	if t.binaryPath == "" {
		return nil, apperr.ConfigInvalid("tdx quote tool binary path is not configured")
	}

	workDir, err := os.MkdirTemp("", "tdx-quote-*")
	if err != nil {
		return nil, apperr.Internal("create temp workdir for quote tool", err)
	}
	defer os.RemoveAll(workDir)

	inputPath := filepath.Join(workDir, "quote.bin")
	if err := os.WriteFile(inputPath, data, 0o600); err != nil {
		return nil, apperr.Internal("write quote tool input", err)
	}

	cmd := exec.CommandContext(ctx, t.binaryPath, buildArgs(inputPath)...)
	cmd.Dir = workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, apperr.DeadlineExceeded()
		}
		return nil, apperr.HardwareInvalid(fmt.Sprintf("quote tool failed: %v: %s", err, stderr.String()))
	}
	return stdout.Bytes(), nil
}
