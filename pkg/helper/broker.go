// Package helper spawns the ask/notify programs configured in
// [exec], passing them a fixed argv and environment contract.
package helper

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"time"

	"wlmitm/pkg/logger"
)

// Toplevel is the best-effort xdg_toplevel context a session may have
// observed, exported to helper processes as environment hints.
type Toplevel struct {
	Title string
	AppID string
}

// Broker runs the configured ask/notify commands. Ask invocations run
// synchronously and return a pass/deny verdict; notify invocations never
// block the caller.
type Broker struct {
	askCmd     string
	notifyCmd  string
	askTimeout time.Duration
}

// New returns a Broker for the given commands. Either command may be
// empty, in which case the corresponding Ask/Notify call is a no-op.
func New(askCmd, notifyCmd string, askTimeout time.Duration) *Broker {
	return &Broker{askCmd: askCmd, notifyCmd: notifyCmd, askTimeout: askTimeout}
}

// Ask runs askCmd with argv [interface, request, desc], waits up to
// askTimeout for it to exit, and reports whether the verdict is "allow"
// (exit status 0). A timeout or exec failure is treated as a deny.
func (b *Broker) Ask(ctx context.Context, iface, request, desc string, args any, top *Toplevel) (allow bool, err error) {
	if b.askCmd == "" {
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.askTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.askCmd, iface, request, desc)
	cmd.Env = buildEnv(args, top)

	runErr := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		logger.Warn().Str("interface", iface).Str("request", request).Msg("ask helper timed out; treating as deny")
		return false, nil
	}
	if runErr != nil {
		logger.Warn().Err(runErr).Str("interface", iface).Str("request", request).Msg("ask helper exited nonzero; treating as deny")
		return false, nil
	}
	return true, nil
}

// Notify runs notifyCmd fire-and-forget: the call returns as soon as the
// process has started, and a detached goroutine reaps it so it never
// becomes a zombie. Output is discarded.
func (b *Broker) Notify(iface, request, desc string, args any, top *Toplevel) {
	if b.notifyCmd == "" {
		return
	}

	cmd := exec.Command(b.notifyCmd, iface, request, desc)
	cmd.Env = buildEnv(args, top)

	if err := cmd.Start(); err != nil {
		logger.Warn().Err(err).Str("interface", iface).Str("request", request).Msg("failed to start notify helper")
		return
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Debug().Err(err).Str("interface", iface).Str("request", request).Msg("notify helper exited nonzero")
		}
	}()
}

func buildEnv(args any, top *Toplevel) []string {
	env := append([]string{}, os.Environ()...)

	if data, err := json.Marshal(args); err == nil {
		env = append(env, "WL_MITM_MSG_JSON="+string(data))
	}
	if top != nil {
		if top.Title != "" {
			env = append(env, "WL_MITM_LAST_TOPLEVEL_TITLE="+top.Title)
		}
		if top.AppID != "" {
			env = append(env, "WL_MITM_LAST_TOPLEVEL_APP_ID="+top.AppID)
		}
	}
	return env
}
