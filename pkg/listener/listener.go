// Package listener binds the proxy's client-facing Unix socket, resolves
// the upstream compositor address, and spawns one Session per accepted
// connection.
package listener

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"wlmitm/pkg/config"
	"wlmitm/pkg/errors"
	"wlmitm/pkg/helper"
	"wlmitm/pkg/logger"
	"wlmitm/pkg/policy"
	"wlmitm/pkg/schema"
	"wlmitm/pkg/session"
)

// Listener owns the accept loop and the process-wide collaborators every
// Session shares: the Schema, the PolicyEngine, and the HelperBroker.
type Listener struct {
	ln           *net.UnixListener
	path         string
	upstreamPath string

	schema *schema.Schema
	policy *policy.Engine
	broker *helper.Broker
	cfg    *config.Config
}

// New resolves the configured listen path, binds it, and returns a
// Listener ready to Accept. The upstream path is resolved once here too,
// since it can fall back to WAYLAND_DISPLAY and that environment is a
// process-wide, not per-session, concern.
func New(cfg *config.Config, s *schema.Schema) (*Listener, error) {
	listenPath, err := ResolvePath(cfg.Socket.Listen)
	if err != nil {
		return nil, errors.Wrap(err, errors.ExitCodeBind, "resolving socket.listen")
	}

	upstream := cfg.Socket.Upstream
	if upstream == "" {
		upstream = os.Getenv("WAYLAND_DISPLAY")
	}
	if upstream == "" {
		return nil, errors.ConfigError("socket.upstream is unset and WAYLAND_DISPLAY is not set")
	}
	upstreamPath, err := ResolvePath(upstream)
	if err != nil {
		return nil, errors.Wrap(err, errors.ExitCodeBind, "resolving upstream socket path")
	}

	os.Remove(listenPath)

	addr, err := net.ResolveUnixAddr("unix", listenPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.ExitCodeBind, "resolving listen address")
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, errors.Wrap(err, errors.ExitCodeBind, "binding listen socket")
	}
	if err := os.Chmod(listenPath, 0700); err != nil {
		ln.Close()
		return nil, errors.Wrap(err, errors.ExitCodeBind, "restricting listen socket permissions")
	}

	pol := policy.New(cfg.Filter, s.HasInterface)
	broker := helper.New(cfg.Exec.AskCmd, cfg.Exec.NotifyCmd, cfg.Exec.AskTimeout)

	logger.Info().Str("listen", listenPath).Str("upstream", upstreamPath).Msg("listening")

	return &Listener{
		ln:           ln,
		path:         listenPath,
		upstreamPath: upstreamPath,
		schema:       s,
		policy:       pol,
		broker:       broker,
		cfg:          cfg,
	}, nil
}

// ResolvePath interprets path relative to XDG_RUNTIME_DIR when it is not
// already absolute, and rejects any result that would escape that
// directory via a leading ".." segment.
func ResolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("listener: empty socket path")
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}

	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return "", fmt.Errorf("listener: %q is relative but XDG_RUNTIME_DIR is unset", path)
	}

	joined := filepath.Clean(filepath.Join(runtimeDir, path))
	base := filepath.Clean(runtimeDir)
	if joined != base && !strings.HasPrefix(joined, base+string(filepath.Separator)) {
		return "", fmt.Errorf("listener: socket path %q escapes XDG_RUNTIME_DIR", path)
	}
	return joined, nil
}

// Run accepts connections until the listener is closed, handing each one
// to a new Session running in its own goroutine.
func (l *Listener) Run() error {
	for {
		conn, err := l.ln.AcceptUnix()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return errors.Wrap(err, errors.ExitCodeBind, "accepting connection")
		}
		go l.handle(conn)
	}
}

func (l *Listener) handle(down *net.UnixConn) {
	upAddr, err := net.ResolveUnixAddr("unix", l.upstreamPath)
	if err != nil {
		logger.Warn().Err(err).Msg("resolving upstream address")
		down.Close()
		return
	}
	up, err := net.DialUnix("unix", nil, upAddr)
	if err != nil {
		logger.Warn().Err(err).Str("upstream", l.upstreamPath).Msg("connecting to upstream compositor")
		down.Close()
		return
	}

	sess := session.New(down, up, l.schema, l.policy, l.broker, l.cfg.Logging)
	sess.Run()
}

// Close stops accepting new connections and removes the listen socket
// from disk.
func (l *Listener) Close() error {
	err := l.ln.Close()
	os.Remove(l.path)
	return err
}
