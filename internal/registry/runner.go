package registry

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"golang.org/x/time/rate"
)

// defaultProbeRateLimit bounds concurrent skopeo invocations so a scan's
// bounded worker pool doesn't translate into an unbounded burst of
// subprocesses against the same registry.
const defaultProbeRateLimit = 4

// SkopeoRunner invokes the "skopeo" binary as a subprocess. It is the
// production Runner; tests substitute a fake Runner instead of shelling
// out.
type SkopeoRunner struct {
	// BinaryPath is the skopeo executable to invoke. Defaults to "skopeo"
	// (resolved via $PATH) when empty.
	BinaryPath string
	// AuthFilePath, when non-empty, is appended as "--authfile <path>" to
	// every invocation.
	AuthFilePath string

	limiter *rate.Limiter
}

// NewSkopeoRunner builds a runner whose invocation rate is bounded by a
// token-bucket limiter, so a scan's fan-out cannot burst an arbitrary
// number of probes against the same registry.
func NewSkopeoRunner(binaryPath, authFilePath string) *SkopeoRunner {
	return &SkopeoRunner{
		BinaryPath:   binaryPath,
		AuthFilePath: authFilePath,
		limiter:      rate.NewLimiter(rate.Limit(defaultProbeRateLimit), defaultProbeRateLimit),
	}
}

func (r *SkopeoRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for probe rate limiter: %w", err)
		}
	}

	bin := r.BinaryPath
	if bin == "" {
		bin = "skopeo"
	}
	if r.AuthFilePath != "" {
		args = append(args, "--authfile", r.AuthFilePath)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("skopeo %v: %w: %s", args, err, stderr.String())
	}
	return stdout.Bytes(), nil
}
