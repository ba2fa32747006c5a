// Package session implements the proxy's per-connection conductor: it
// drives both directions of one client<->upstream pairing, consulting
// PolicyEngine and HelperBroker as messages cross, and keeping the
// ObjectMap and registry shadow in sync.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"wlmitm/pkg/config"
	"wlmitm/pkg/helper"
	"wlmitm/pkg/logger"
	"wlmitm/pkg/objmap"
	"wlmitm/pkg/policy"
	"wlmitm/pkg/schema"
	"wlmitm/pkg/wire"

	"github.com/rs/zerolog"
)

// errPolicyReject marks a session closed deliberately because a
// block(reject) or denied ask synthesised a wl_display.error, as opposed
// to an I/O failure or protocol violation.
var errPolicyReject = errors.New("session: closed by policy reject")

// Session owns one downstream (client) connection and its matching
// upstream (compositor) connection, and forwards every message between
// them subject to policy.
type Session struct {
	id string

	down *net.UnixConn
	up   *net.UnixConn

	downWriter *wire.Writer
	upWriter   *wire.Writer

	objects  *objmap.Map
	registry *objmap.RegistryShadow
	policy   *policy.Engine
	broker   *helper.Broker
	toplevel helper.Toplevel

	schema *schema.Schema

	logAllRequests bool
	logAllEvents   bool
	log            zerolog.Logger

	bytesUp   int64
	bytesDown int64
}

// New returns a Session ready to Run. down and up must already be
// connected; New takes ownership of both and closes them when Run
// returns. policy and broker are process-wide, immutable collaborators
// shared across sessions.
func New(down, up *net.UnixConn, s *schema.Schema, pol *policy.Engine, broker *helper.Broker, logging config.LoggingConfig) *Session {
	id := uuid.NewString()
	return &Session{
		id:             id,
		down:           down,
		up:             up,
		downWriter:     wire.NewWriter(down),
		upWriter:       wire.NewWriter(up),
		objects:        objmap.New(),
		registry:       objmap.NewRegistryShadow(),
		policy:         pol,
		broker:         broker,
		schema:         s,
		logAllRequests: logging.LogAllRequests,
		logAllEvents:   logging.LogAllEvents,
		log:            logger.Session(id),
	}
}

// ID returns the session's correlation id, the same value carried in the
// "session" field of every log line this session emits.
func (s *Session) ID() string {
	return s.id
}

type readResult struct {
	msg *wire.Message
	err error
}

// Run drives the session until either endpoint closes or a protocol
// violation, policy reject, or unrecoverable I/O error occurs. It always
// closes both connections before returning.
func (s *Session) Run() {
	start := time.Now()

	downCh := make(chan readResult, 8)
	upCh := make(chan readResult, 8)

	go pump(wire.NewReader(s.down, s.schema, s.objects, wire.DirectionRequest), downCh)
	go pump(wire.NewReader(s.up, s.schema, s.objects, wire.DirectionEvent), upCh)

	var finalErr error
loop:
	for {
		select {
		case r := <-downCh:
			if r.err != nil {
				finalErr = r.err
				break loop
			}
			if err := s.handleRequest(r.msg); err != nil {
				finalErr = err
				break loop
			}
		case r := <-upCh:
			if r.err != nil {
				finalErr = r.err
				break loop
			}
			if err := s.handleEvent(r.msg); err != nil {
				finalErr = err
				break loop
			}
		}
	}

	s.down.Close()
	s.up.Close()

	ev := s.log.Info()
	if finalErr != nil && !errors.Is(finalErr, errPolicyReject) && !isCleanClose(finalErr) {
		ev = s.log.Warn().Err(finalErr)
	}
	ev.Dur("duration", time.Since(start)).
		Int64("bytes_up", atomic.LoadInt64(&s.bytesUp)).
		Int64("bytes_down", atomic.LoadInt64(&s.bytesDown)).
		Msg("session closed")
}

func pump(r *wire.Reader, ch chan<- readResult) {
	for {
		msg, err := r.Next()
		if err != nil {
			ch <- readResult{err: err}
			return
		}
		ch <- readResult{msg: msg}
	}
}

func isCleanClose(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "wire: connection closed")
}

// handleRequest processes one downstream-to-upstream message.
func (s *Session) handleRequest(msg *wire.Message) error {
	if s.logAllRequests {
		s.log.Info().Uint32("object", msg.ObjectID).Str("interface", msg.TargetInterface).Msg("request")
	}

	if msg.Descriptor == nil {
		s.log.Warn().Str("interface", msg.TargetInterface).Msg("forwarding opaque request on unknown interface")
		return s.forwardRequest(msg)
	}

	if msg.TargetInterface == "wl_registry" && msg.Descriptor.Name == "bind" {
		return s.handleBind(msg)
	}

	if msg.TargetInterface == "xdg_toplevel" && len(msg.Args) > 0 {
		switch msg.Descriptor.Name {
		case "set_title":
			s.toplevel.Title = msg.Args[0].Str
		case "set_app_id":
			s.toplevel.AppID = msg.Args[0].Str
		}
	}

	if s.policy.HasFilter(msg.TargetInterface) {
		decision := s.policy.ScreenRequest(msg.TargetInterface, msg.Descriptor.Name)
		switch decision.Verdict {
		case policy.VerdictBlock:
			return s.applyBlock(msg, decision)
		case policy.VerdictAsk:
			allow, err := s.broker.Ask(context.Background(), msg.TargetInterface, msg.Descriptor.Name, decision.Desc, describeArgs(msg.Args), &s.toplevel)
			if err != nil {
				s.log.Warn().Err(err).Str("interface", msg.TargetInterface).Str("request", msg.Descriptor.Name).Msg("ask helper invocation failed")
			}
			if !allow {
				return s.applyBlock(msg, decision)
			}
		case policy.VerdictNotify:
			s.broker.Notify(msg.TargetInterface, msg.Descriptor.Name, decision.Desc, describeArgs(msg.Args), &s.toplevel)
		case policy.VerdictDryRun:
			s.log.Warn().
				Str("interface", msg.TargetInterface).
				Str("request", msg.Descriptor.Name).
				Str("would_action", string(decision.WouldAction)).
				Str("desc", decision.Desc).
				Msg("dry run: would have matched a filter rule")
		}
	}

	return s.forwardAndBookkeepRequest(msg)
}

// handleBind validates and forwards a wl_registry.bind request. The
// target interface/version come from the registry shadow (what upstream
// actually advertised under that name), never from the client's claimed
// new_id interface string, so a client cannot spoof its way past
// screen_bind.
func (s *Session) handleBind(msg *wire.Message) error {
	if len(msg.Args) < 2 {
		return fmt.Errorf("session: malformed wl_registry.bind request")
	}
	name := msg.Args[0].Uint
	newID := msg.Args[1]

	binding, ok := s.registry.Lookup(name)
	if !ok {
		return fmt.Errorf("session: bind targets unknown registry name %d (protocol violation)", name)
	}
	if !s.policy.ScreenBind(binding.Interface) {
		return fmt.Errorf("session: client attempted to bind unadvertised global %q (protocol violation)", binding.Interface)
	}
	if err := s.objects.Register(newID.NewID, binding.Interface, binding.Version); err != nil {
		return fmt.Errorf("session: registering bound object: %w", err)
	}
	return s.forwardRequest(msg)
}

func (s *Session) applyBlock(msg *wire.Message, decision policy.RequestDecision) error {
	closeFds(msg.Fds)

	if decision.BlockType == config.BlockReject {
		text := "blocked by policy"
		if decision.Desc != "" {
			text = fmt.Sprintf("blocked by policy (%s)", decision.Desc)
		}
		if err := s.downWriter.SendError(msg.ObjectID, decision.ErrorCode, text); err != nil {
			return fmt.Errorf("session: sending policy-reject error: %w", err)
		}
		return errPolicyReject
	}

	s.log.Info().Str("interface", msg.TargetInterface).Str("request", msg.Descriptor.Name).Msg("request dropped by policy")
	return nil
}

func (s *Session) forwardAndBookkeepRequest(msg *wire.Message) error {
	if msg.IsConstructor() {
		if err := s.registerConstructor(msg); err != nil {
			return err
		}
	}
	if err := s.forwardRequest(msg); err != nil {
		return err
	}
	if msg.IsDestructor() {
		s.objects.Unregister(msg.ObjectID)
	}
	return nil
}

func (s *Session) forwardRequest(msg *wire.Message) error {
	if err := s.upWriter.Forward(msg); err != nil {
		return err
	}
	atomic.AddInt64(&s.bytesUp, int64(8+len(msg.Payload)))
	return nil
}

// handleEvent processes one upstream-to-downstream message.
func (s *Session) handleEvent(msg *wire.Message) error {
	if s.logAllEvents {
		s.log.Info().Uint32("object", msg.ObjectID).Str("interface", msg.TargetInterface).Msg("event")
	}

	if msg.Descriptor == nil {
		s.log.Warn().Str("interface", msg.TargetInterface).Msg("forwarding opaque event on unknown interface")
		return s.forwardEvent(msg)
	}

	if msg.TargetInterface == "wl_registry" {
		switch msg.Descriptor.Name {
		case "global":
			return s.handleGlobalEvent(msg)
		case "global_remove":
			return s.handleGlobalRemoveEvent(msg)
		}
	}

	if msg.TargetInterface == "wl_display" && msg.Descriptor.Name == "delete_id" && len(msg.Args) > 0 {
		s.objects.Unregister(msg.Args[0].Uint)
		return s.forwardEvent(msg)
	}

	return s.forwardAndBookkeepEvent(msg)
}

func (s *Session) handleGlobalEvent(msg *wire.Message) error {
	if len(msg.Args) < 3 {
		return fmt.Errorf("session: malformed wl_registry.global event")
	}
	name := msg.Args[0].Uint
	iface := msg.Args[1].Str
	version := msg.Args[2].Uint

	s.registry.Add(name, iface, version)

	if s.policy.ScreenGlobal(iface) == policy.GlobalHide {
		s.log.Debug().Str("interface", iface).Msg("hiding global from client")
		return nil
	}
	return s.forwardEvent(msg)
}

func (s *Session) handleGlobalRemoveEvent(msg *wire.Message) error {
	if len(msg.Args) < 1 {
		return fmt.Errorf("session: malformed wl_registry.global_remove event")
	}
	name := msg.Args[0].Uint

	binding, known := s.registry.Lookup(name)
	s.registry.Remove(name)

	if known && s.policy.ScreenGlobal(binding.Interface) == policy.GlobalHide {
		return nil
	}
	return s.forwardEvent(msg)
}

func (s *Session) forwardAndBookkeepEvent(msg *wire.Message) error {
	if msg.IsConstructor() {
		if err := s.registerConstructor(msg); err != nil {
			return err
		}
	}
	if err := s.forwardEvent(msg); err != nil {
		return err
	}
	if msg.IsDestructor() {
		s.objects.Unregister(msg.ObjectID)
	}
	return nil
}

func (s *Session) forwardEvent(msg *wire.Message) error {
	if err := s.downWriter.Forward(msg); err != nil {
		return err
	}
	atomic.AddInt64(&s.bytesDown, int64(8+len(msg.Payload)))
	return nil
}

func (s *Session) registerConstructor(msg *wire.Message) error {
	for _, a := range msg.Args {
		if a.Type != wire.ArgNewID {
			continue
		}
		if err := s.objects.Register(a.NewID, a.NewIDInterface, a.NewIDVersion); err != nil {
			return fmt.Errorf("session: %w", err)
		}
	}
	return nil
}

func closeFds(fds []int) {
	for _, fd := range fds {
		syscall.Close(fd)
	}
}

// describeArgs renders a decoded argument list as a JSON-friendly value
// for the helper broker's WL_MITM_MSG_JSON export.
func describeArgs(args []wire.Value) []map[string]any {
	out := make([]map[string]any, 0, len(args))
	for _, a := range args {
		switch a.Type {
		case wire.ArgInt:
			out = append(out, map[string]any{"type": "int", "value": a.Int})
		case wire.ArgUint:
			out = append(out, map[string]any{"type": "uint", "value": a.Uint})
		case wire.ArgFixed:
			out = append(out, map[string]any{"type": "fixed", "value": a.Fixed.Float64()})
		case wire.ArgString:
			out = append(out, map[string]any{"type": "string", "value": a.Str})
		case wire.ArgObject:
			out = append(out, map[string]any{"type": "object", "value": a.Object})
		case wire.ArgArray:
			out = append(out, map[string]any{"type": "array", "length": len(a.Array)})
		case wire.ArgFD:
			out = append(out, map[string]any{"type": "fd"})
		case wire.ArgNewID:
			out = append(out, map[string]any{"type": "new_id", "interface": a.NewIDInterface, "id": a.NewID})
		}
	}
	return out
}
