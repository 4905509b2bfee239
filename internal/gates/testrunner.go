package gates

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/forgelabs/forge/internal/types"
)

// TestCommandRunner runs a project's test suite and extracts pass/fail
// counts from the output. It is the TestRunner collaborator the task
// executor and final verification consult.
type TestCommandRunner struct{}

var _ types.TestRunner = (*TestCommandRunner)(nil)

// NewTestRunner creates a test runner
func NewTestRunner() *TestCommandRunner { return &TestCommandRunner{} }

// HasTests reports whether the project tree appears to carry a test suite
func HasTests(dir, language string) bool {
	switch language {
	case "go":
		found := false
		_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil || found {
				return filepath.SkipAll
			}
			if !d.IsDir() && strings.HasSuffix(d.Name(), "_test.go") {
				found = true
				return filepath.SkipAll
			}
			return nil
		})
		return found
	case "rust":
		// cargo projects carry unit tests inline; assume present
		return true
	case "javascript":
		_, err := os.Stat(filepath.Join(dir, "package.json"))
		return err == nil
	case "python":
		matches, _ := filepath.Glob(filepath.Join(dir, "test*.py"))
		if len(matches) > 0 {
			return true
		}
		_, err := os.Stat(filepath.Join(dir, "tests"))
		return err == nil
	default:
		return false
	}
}

// Run executes the test suite for the given language and parses the results
func (t *TestCommandRunner) Run(ctx context.Context, dir, language string) (*types.TestResult, error) {
	var name string
	var args []string
	switch language {
	case "go":
		name, args = "go", []string{"test", "-v", "./..."}
	case "rust":
		name, args = "cargo", []string{"test"}
	case "javascript":
		name, args = "npm", []string{"test", "--", "--watchAll=false"}
	case "python":
		name, args = "python3", []string{"-m", "pytest", "-v"}
	default:
		return nil, fmt.Errorf("no test command for language %q", language)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	output, runErr := cmd.CombinedOutput()

	result := parseTestOutput(string(output), language)
	result.Output = truncate(string(output))
	result.Success = runErr == nil && result.Failed == 0
	if runErr != nil && result.Total == 0 {
		// The suite never ran (missing toolchain, compile error in tests)
		return result, fmt.Errorf("test command %s failed to run: %w", name, runErr)
	}
	return result, nil
}

var (
	goPassRegex     = regexp.MustCompile(`(?m)^\s*--- PASS: (\S+)`)
	goFailRegex     = regexp.MustCompile(`(?m)^\s*--- FAIL: (\S+)`)
	pytestTallyRe   = regexp.MustCompile(`(\d+) (passed|failed)`)
	pytestFailedRe  = regexp.MustCompile(`(?m)^FAILED (\S+)`)
	cargoResultRe   = regexp.MustCompile(`(\d+) passed; (\d+) failed`)
	cargoFailNameRe = regexp.MustCompile(`(?m)^---- (\S+) stdout ----`)
)

func parseTestOutput(output, language string) *types.TestResult {
	result := &types.TestResult{}

	switch language {
	case "go":
		result.Passed = len(goPassRegex.FindAllString(output, -1))
		for _, m := range goFailRegex.FindAllStringSubmatch(output, -1) {
			result.FailedTests = append(result.FailedTests, m[1])
		}
		result.Failed = len(result.FailedTests)
	case "python":
		for _, m := range pytestTallyRe.FindAllStringSubmatch(output, -1) {
			n, _ := strconv.Atoi(m[1])
			if m[2] == "passed" {
				result.Passed += n
			} else {
				result.Failed += n
			}
		}
		for _, m := range pytestFailedRe.FindAllStringSubmatch(output, -1) {
			result.FailedTests = append(result.FailedTests, m[1])
		}
	case "rust":
		// cargo prints one summary line per test binary
		for _, m := range cargoResultRe.FindAllStringSubmatch(output, -1) {
			p, _ := strconv.Atoi(m[1])
			f, _ := strconv.Atoi(m[2])
			result.Passed += p
			result.Failed += f
		}
		for _, m := range cargoFailNameRe.FindAllStringSubmatch(output, -1) {
			result.FailedTests = append(result.FailedTests, m[1])
		}
	default:
		// Exit status is the only signal for unknown toolchains
	}

	result.Total = result.Passed + result.Failed
	return result
}
