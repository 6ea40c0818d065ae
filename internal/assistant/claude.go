package assistant

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/zulandar/porter/internal/stream"
)

// defaultRunTimeout bounds one engagement. Prevents a hung subprocess
// from holding a conversation lock indefinitely.
const defaultRunTimeout = 15 * time.Minute

// ClaudeEngine runs claude CLI subprocesses in stream-json mode. Each
// engagement is one-shot: the prompt is passed via -p, output events
// arrive on stdout, and the process exits when the run ends.
type ClaudeEngine struct {
	Binary       string        // path to claude binary; defaults to "claude"
	SystemPrompt string        // appended via --append-system-prompt
	RunTimeout   time.Duration // defaults to defaultRunTimeout
}

// Kind implements Engine.
func (e *ClaudeEngine) Kind() string { return "claude" }

// Fingerprint hashes the engine configuration that affects run
// behavior. Stored in session metadata at create time.
func (e *ClaudeEngine) Fingerprint() string {
	sum := sha256.Sum256([]byte(e.binary() + "\x00" + e.SystemPrompt))
	return hex.EncodeToString(sum[:8])
}

func (e *ClaudeEngine) binary() string {
	if e.Binary == "" {
		return "claude"
	}
	return e.Binary
}

// buildArgs assembles the CLI arguments for one engagement.
func (e *ClaudeEngine) buildArgs(req Request) []string {
	args := []string{
		"--dangerously-skip-permissions",
		"--output-format", "stream-json",
		"--verbose",
	}
	if e.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", e.SystemPrompt)
	}
	if req.ResumeHandle != "" {
		args = append(args, "--resume", req.ResumeHandle)
	}
	args = append(args, "-p", req.Prompt)
	return args
}

// Engage starts a claude subprocess and returns immediately; parsing
// runs in a background goroutine that feeds the engagement's chunk
// channel and closes it on exit.
func (e *ClaudeEngine) Engage(ctx context.Context, req Request) (*Engagement, error) {
	timeout := e.RunTimeout
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)

	cmd := exec.CommandContext(ctx, e.binary(), e.buildArgs(req)...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}

	// Process group so SIGTERM kills the whole tree (shell + children).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("assistant: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("assistant: start %s: %w", e.binary(), err)
	}

	eng := newEngagement(64)

	go func() {
		defer cancel()
		defer close(eng.chunks)

		completed := false
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024) // 1MB event lines
		for scanner.Scan() {
			for _, chunk := range parseLine(scanner.Bytes()) {
				if chunk.Kind == stream.KindCompletion {
					completed = true
				}
				eng.chunks <- chunk
			}
		}

		waitErr := cmd.Wait()
		if waitErr != nil && !completed {
			eng.chunks <- stream.Chunk{
				Kind: stream.KindError,
				Err:  classifyRunError(waitErr, stderr.String(), req.ResumeHandle),
			}
		}
	}()

	return eng, nil
}

// classifyRunError distinguishes a rejected resume handle from other
// subprocess failures so the orchestrator can recover transparently.
func classifyRunError(waitErr error, stderr, resumeHandle string) error {
	if resumeHandle != "" && isStaleHandleStderr(stderr) {
		return fmt.Errorf("%w: %s", ErrStaleHandle, resumeHandle)
	}
	detail := strings.TrimSpace(stderr)
	if detail != "" {
		return fmt.Errorf("assistant: claude run: %v: %s", waitErr, truncate(detail, 300))
	}
	return fmt.Errorf("assistant: claude run: %w", waitErr)
}

// isStaleHandleStderr matches the CLI's rejection of an unknown or
// expired session ID.
func isStaleHandleStderr(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no conversation found") ||
		strings.Contains(s, "session not found")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
