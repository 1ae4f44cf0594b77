package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"matrixpub/internal/model"
	logx "matrixpub/pkg/logx"
)

const (
	stderrTailBytes = 2048
	waitDelay       = 5 * time.Second
)

// Command publishes by running an external uploader once per video.
//
// Args may contain placeholders: {platform} {title} {file} {tags}
// {category} {credential} {schedule} {proxy} {account} {subtask}.
// The same values are exported as MATRIXPUB_* environment variables.
// A non-zero exit is an ErrExecution carrying the tail of stderr.
type Command struct {
	Path string
	Args []string
	Env  map[string]string
	Dir  string
	Log  logx.Logger
}

func (c Command) Publish(ctx context.Context, req Request) error {
	if strings.TrimSpace(c.Path) == "" {
		return fmt.Errorf("%w: uploader command not configured for %s", model.ErrExecution, req.Platform)
	}
	vals := requestValues(req)

	pairs := make([]string, 0, len(vals)*2)
	for k, v := range vals {
		pairs = append(pairs, "{"+k+"}", v)
	}
	rep := strings.NewReplacer(pairs...)
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = rep.Replace(a)
	}

	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = waitDelay
	cmd.Env = os.Environ()
	for k, v := range c.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	for k, v := range vals {
		cmd.Env = append(cmd.Env, "MATRIXPUB_"+strings.ToUpper(k)+"="+v)
	}
	if req.ProxyURL != "" {
		cmd.Env = append(cmd.Env, "MATRIXPUB_PROXY_URL="+req.ProxyURL)
	}
	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = stderr

	started := time.Now()
	err := cmd.Run()
	elapsed := time.Since(started)
	if err == nil {
		c.Log.Debug("uploader finished", logx.String("cmd", c.Path), logx.Int64("subtask_id", req.SubtaskID), logx.Duration("took", elapsed))
		return nil
	}

	tail := strings.TrimSpace(stderr.String())
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %s interrupted after %s: %v", model.ErrExecution, c.Path, elapsed.Round(time.Millisecond), ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if tail == "" {
			return fmt.Errorf("%w: %s exited with code %d", model.ErrExecution, c.Path, exitErr.ExitCode())
		}
		return fmt.Errorf("%w: %s exited with code %d: %s", model.ErrExecution, c.Path, exitErr.ExitCode(), tail)
	}
	return fmt.Errorf("%w: run %s: %v", model.ErrExecution, c.Path, err)
}

func requestValues(req Request) map[string]string {
	v := map[string]string{
		"platform":   req.Platform.String(),
		"title":      req.Title,
		"file":       req.FilePath,
		"tags":       req.Tags,
		"credential": req.CredentialPath,
		"proxy":      req.ProxyURL,
		"account":    strconv.FormatInt(req.AccountID, 10),
		"subtask":    strconv.FormatInt(req.SubtaskID, 10),
		"category":   "",
		"schedule":   "",
	}
	if req.Category != nil {
		v["category"] = strconv.Itoa(*req.Category)
	}
	if !req.ScheduledTime.IsZero() {
		v["schedule"] = req.ScheduledTime.Format(time.RFC3339)
	}
	return v
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
