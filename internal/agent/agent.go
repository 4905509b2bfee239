// Package agent implements the generation backend by spawning a coding
// agent CLI in the project working directory. The agent owns all file
// mutations; the engine only sees success/failure and the rate-limit signal.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/forgelabs/forge/internal/types"
)

const (
	// maxOutputLines caps captured output so a chatty agent cannot
	// exhaust memory
	maxOutputLines = 10000

	defaultTimeout = 30 * time.Minute
)

// Backend spawns one agent process per Execute call
type Backend struct {
	command string
	timeout time.Duration
}

var _ types.GenerationBackend = (*Backend)(nil)

// Config holds backend construction options
type Config struct {
	Command string        // Agent CLI binary (default "claude")
	Timeout time.Duration // Per-execution wall clock (default 30m)
}

// New creates a generation backend
func New(cfg Config) *Backend {
	command := cfg.Command
	if command == "" {
		command = "claude"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Backend{command: command, timeout: timeout}
}

// Execute runs the agent once with the given prompt. A rate-limited agent is
// reported through RateLimitPaused, never as an error: the caller persists
// state and pauses instead of retrying into the same limit.
func (b *Backend) Execute(ctx context.Context, req types.GenerateRequest) (*types.GenerateResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	prompt := req.Prompt
	if req.Context != "" {
		prompt = prompt + "\n\nCONTEXT:\n" + req.Context
	}

	runCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, b.command, buildArgs(prompt)...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent %q: %w", b.command, err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var outLines, errLines []string

	capture := func(r io.Reader, dst *[]string) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			if len(*dst) < maxOutputLines {
				*dst = append(*dst, line)
			} else if len(*dst) == maxOutputLines {
				*dst = append(*dst, "[... output truncated: limit reached ...]")
			}
			mu.Unlock()
		}
	}
	wg.Add(2)
	go capture(stdout, &outLines)
	go capture(stderr, &errLines)

	// Both pipes must be fully drained before Wait: Wait closes the pipes,
	// and closing early can drop buffered tail output — including the
	// rate-limit marker agents print last.
	wg.Wait()
	waitErr := cmd.Wait()

	mu.Lock()
	combined := strings.Join(outLines, "\n")
	combinedErr := strings.Join(errLines, "\n")
	mu.Unlock()

	if isRateLimited(combined) || isRateLimited(combinedErr) {
		return &types.GenerateResult{
			Success:         false,
			Response:        combined,
			RateLimitPaused: true,
		}, nil
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return &types.GenerateResult{
			Success:  false,
			Response: combined,
			Error:    fmt.Sprintf("agent timed out after %v", b.timeout),
		}, nil
	}

	if waitErr != nil {
		errMsg := waitErr.Error()
		if combinedErr != "" {
			errMsg = fmt.Sprintf("%s: %s", errMsg, tail(combinedErr, 2000))
		}
		return &types.GenerateResult{
			Success:  false,
			Response: combined,
			Error:    errMsg,
		}, nil
	}

	return &types.GenerateResult{Success: true, Response: combined}, nil
}

// buildArgs constructs the agent CLI arguments. The engine runs agents
// unattended, so permission prompts are bypassed.
func buildArgs(prompt string) []string {
	return []string{"--dangerously-skip-permissions", "-p", prompt}
}

// rateLimitMarkers are the phrasings agent CLIs use when the upstream API
// throttles the session. Matched case-insensitively against agent output.
var rateLimitMarkers = []string{
	"rate limit",
	"rate-limited",
	"usage limit reached",
	"quota exceeded",
	"429",
	"overloaded_error",
}

func isRateLimited(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
