package command

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// maxStderrLines bounds the tool output retained for error reporting.
const maxStderrLines = 20

// runner abstracts process execution so tests can substitute a fake.
type runner interface {
	// Run executes the tool, forwarding stdout lines to onStdout, and
	// returns the retained stderr tail along with the exit error.
	Run(ctx context.Context, name string, args, env []string, onStdout func(string)) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args, env []string, onStdout func(string)) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", err
	}

	var (
		wg      sync.WaitGroup
		scanErr error
		once    sync.Once
		tail    tailBuffer
	)

	scan := func(r io.Reader, forward func(string)) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			forward(scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			once.Do(func() {
				scanErr = err
			})
		}
	}

	wg.Add(2)
	go scan(stdout, func(line string) {
		if onStdout != nil {
			onStdout(line)
		}
	})
	go scan(stderr, tail.add)

	wg.Wait()
	if scanErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return tail.String(), fmt.Errorf("scan output: %w", scanErr)
	}
	if err := cmd.Wait(); err != nil {
		return tail.String(), err
	}
	return tail.String(), nil
}

// tailBuffer keeps the last maxStderrLines non-empty lines written to it.
// add is only ever called from one goroutine.
type tailBuffer struct {
	lines []string
}

func (t *tailBuffer) add(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > maxStderrLines {
		t.lines = t.lines[1:]
	}
}

func (t *tailBuffer) String() string {
	return strings.Join(t.lines, "\n")
}
