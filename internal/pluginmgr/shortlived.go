package pluginmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"time"

	"github.com/launchkitd/launchkitd/internal/apperr"
	"github.com/launchkitd/launchkitd/internal/logger"
	"github.com/launchkitd/launchkitd/internal/pluginapi"
)

// defaultShortLivedTimeout bounds a single ShortLived request; on timeout
// the process is killed and the caller sees Timeout.
const defaultShortLivedTimeout = 5 * time.Second

// shortLivedHandle dispatches each request by spawning a fresh process
// with its own stdin/stdout pair: one JSON request in, one JSON response
// out, then the process exits.
type shortLivedHandle struct {
	manifest *pluginapi.Manifest
	dir      string
	timeout  time.Duration
}

func newShortLivedHandle(m *pluginapi.Manifest, dir string) *shortLivedHandle {
	return &shortLivedHandle{manifest: m, dir: dir, timeout: defaultShortLivedTimeout}
}

func (h *shortLivedHandle) Dispatch(ctx context.Context, req pluginapi.Request) (*pluginapi.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "encode plugin request", err)
	}

	cmd := exec.CommandContext(ctx, h.manifest.Command[0], h.manifest.Command[1:]...)
	cmd.Dir = h.dir
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		logger.Plugin().Warn().Str("plugin", h.manifest.ID).Msg("short-lived plugin timed out, killed")
		return nil, apperr.TimedOut("plugin " + h.manifest.ID)
	}
	if runErr != nil {
		return nil, apperr.Wrap(apperr.PluginUnavailable, "plugin process failed", runErr)
	}

	var resp pluginapi.Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decode plugin response", err)
	}
	return &resp, nil
}

func (h *shortLivedHandle) Close() error { return nil }
