package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// ExecResult is the structured outcome of one sandboxed command. Timeouts
// and truncation are reported here, not as errors; the caller decides what
// they mean.
type ExecResult struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exit_code"`
	TimedOut        bool   `json:"timed_out"`
	StdoutTruncated bool   `json:"stdout_truncated,omitempty"`
	StderrTruncated bool   `json:"stderr_truncated,omitempty"`
	DurationMS      int64  `json:"duration_ms"`
}

// cappedBuffer keeps at most max bytes and remembers whether it dropped any.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.max - c.buf.Len()
	if room <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

// Sandbox owns the shared filesystem root and the execution limits.
type Sandbox struct {
	root       string
	acl        *ACL
	timeout    time.Duration
	maxOutput  int
	httpClient *http.Client
	log        zerolog.Logger
}

func New(root string, acl *ACL, timeout time.Duration, maxOutput int, log zerolog.Logger) *Sandbox {
	return &Sandbox{
		root:      root,
		acl:       acl,
		timeout:   timeout,
		maxOutput: maxOutput,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.With().Str("component", "sandbox").Logger(),
	}
}

// RunCommand executes one shell command with the sandbox root as working
// directory, a hard wall-clock timeout, and separately capped output streams.
func (s *Sandbox) RunCommand(ctx context.Context, id Identity, command string) (*ExecResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = s.root
	stdout := &cappedBuffer{max: s.maxOutput}
	stderr := &cappedBuffer{max: s.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:          stdout.buf.String(),
		Stderr:          stderr.buf.String(),
		StdoutTruncated: stdout.truncated,
		StderrTruncated: stderr.truncated,
		DurationMS:      time.Since(start).Milliseconds(),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		s.log.Warn().Str("identity", id.String()).Str("command", command).Msg("command timed out")
		return result, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("starting command: %w", err)
	}
	return result, nil
}

// ReadFile returns capped file contents from anywhere inside the root. Reads
// are not ACL-gated; only writes are.
func (s *Sandbox) ReadFile(ctx context.Context, rel string) (string, bool, error) {
	cleaned, err := CleanRelPath(rel)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(cleaned)))
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", cleaned, err)
	}
	if len(data) > s.maxOutput {
		return string(data[:s.maxOutput]), true, nil
	}
	return string(data), false, nil
}

// WriteFile authorizes the path against the identity's ACL, then writes,
// creating parent directories as needed.
func (s *Sandbox) WriteFile(ctx context.Context, id Identity, rel string, content []byte) error {
	cleaned, err := s.acl.AuthorizeWrite(ctx, id, rel)
	if err != nil {
		return err
	}
	abs := filepath.Join(s.root, filepath.FromSlash(cleaned))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("creating directories for %s: %w", cleaned, err)
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", cleaned, err)
	}
	s.log.Debug().Str("identity", id.String()).Str("path", cleaned).Int("bytes", len(content)).Msg("file written")
	return nil
}

// FetchURL retrieves a URL body, capped at the output limit.
func (s *Sandbox) FetchURL(ctx context.Context, url string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false, fmt.Errorf("building request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(s.maxOutput)+1))
	if err != nil {
		return "", false, fmt.Errorf("reading body: %w", err)
	}
	truncated := false
	if len(body) > s.maxOutput {
		body = body[:s.maxOutput]
		truncated = true
	}
	if resp.StatusCode >= 400 {
		return string(body), truncated, fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}
	return string(body), truncated, nil
}

// Root returns the sandbox's filesystem root.
func (s *Sandbox) Root() string {
	return s.root
}
