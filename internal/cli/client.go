package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/pear/internal/config"
	"github.com/roach88/pear/internal/errs"
	"github.com/roach88/pear/internal/rpc"
	"github.com/roach88/pear/internal/sidecar"
	"github.com/roach88/pear/internal/stream"
)

// Connect-or-spawn timing.
const (
	dialTimeout  = 2 * time.Second
	spawnTimeout = 10 * time.Second
	spawnPoll    = 50 * time.Millisecond
)

// RawEvent is a stream event as received from the sidecar.
type RawEvent struct {
	Tag  string          `json:"tag"`
	Data json.RawMessage `json:"data,omitempty"`
}

// spawnSidecar starts a detached sidecar for dir. Tests replace it.
var spawnSidecar = func(dir string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	args := []string{"sidecar"}
	if dir != "" {
		args = append(args, "--dir", dir)
	}
	cmd := exec.Command(exe, args...)
	sidecar.Detach(cmd)
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}

// socketPath resolves the sidecar socket from flags and config.
func (o *RootOptions) socketPath() (string, error) {
	if o.Socket != "" {
		return o.Socket, nil
	}
	cfg, err := config.Load(o.Dir)
	if err != nil {
		return "", err
	}
	return cfg.Socket, nil
}

// connect dials the sidecar, starting one when nothing is listening.
func (o *RootOptions) connect(ctx context.Context) (*rpc.Client, error) {
	socket, err := o.socketPath()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	c, err := rpc.Dial(dctx, socket)
	cancel()
	if err == nil {
		return c, nil
	}
	if o.NoSpawn {
		return nil, WrapExitError(ExitCommandError, "sidecar not running", err)
	}

	if err := spawnSidecar(o.Dir); err != nil {
		return nil, WrapExitError(ExitCommandError, "start sidecar", err)
	}
	deadline := time.Now().Add(spawnTimeout)
	for {
		dctx, cancel := context.WithTimeout(ctx, dialTimeout)
		c, err = rpc.Dial(dctx, socket)
		cancel()
		if err == nil {
			return c, nil
		}
		if time.Now().After(deadline) {
			return nil, WrapExitError(ExitCommandError, "sidecar did not come up", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(spawnPoll):
		}
	}
}

// call runs one request against the sidecar and prints the result.
func (o *RootOptions) call(cmd *cobra.Command, method string, params, out any) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := o.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Call(ctx, method, params, out); err != nil {
		return sidecarError(method+" failed", err)
	}
	return nil
}

// streamOp runs a streamed operation and prints every event. It fails when
// the final event reports no success.
func (o *RootOptions) streamOp(cmd *cobra.Command, method string, params any) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	f := o.formatter(cmd)
	c, err := o.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	f.VerboseLog("%s: streaming", method)
	st, err := c.Stream(ctx, method, params)
	if err != nil {
		return sidecarError(method+" failed", err)
	}
	defer st.Close()

	var lastErr json.RawMessage
	success := false
	for {
		raw, err := st.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sidecarError(method+" failed", err)
		}
		var ev RawEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return WrapExitError(ExitFailure, "decode event", err)
		}
		switch ev.Tag {
		case stream.TagError:
			lastErr = ev.Data
		case stream.TagFinal:
			var fin stream.Final
			if err := json.Unmarshal(ev.Data, &fin); err == nil {
				success = fin.Success
			}
		}
		if err := f.Event(ev); err != nil {
			return err
		}
	}
	if !success {
		if lastErr != nil {
			return streamError(method, lastErr)
		}
		return NewExitError(ExitFailure, method+" failed")
	}
	return nil
}

func streamError(method string, raw json.RawMessage) *ExitError {
	var e struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &e); err != nil || e.Code == "" {
		return NewExitError(ExitFailure, method+" failed")
	}
	code := ExitFailure
	if errs.Code(e.Code).Category() == errs.CategoryPermission {
		code = ExitPermission
	}
	return NewExitError(code, fmt.Sprintf("%s failed [%s]: %s", method, e.Code, e.Message))
}
