// Package policy implements the three screening decisions a Session
// consults while forwarding messages: which globals to advertise, which
// bind attempts to allow, and which outgoing requests to block, ask
// about, or notify on.
package policy

import (
	"wlmitm/pkg/config"
	"wlmitm/pkg/logger"
)

// GlobalDecision is the verdict for one wl_registry.global advertisement.
type GlobalDecision int

const (
	GlobalAllow GlobalDecision = iota
	GlobalHide
)

// RequestVerdict is the verdict for one client-to-server request.
type RequestVerdict int

const (
	VerdictPass RequestVerdict = iota
	VerdictBlock
	VerdictAsk
	VerdictNotify
	// VerdictDryRun marks a request that would have been blocked or asked
	// about, were the engine not in dry-run mode. The caller forwards the
	// request as if it were VerdictPass, but must first log a warning
	// naming WouldAction so dry-run stays observable.
	VerdictDryRun
)

// RequestDecision carries a verdict plus whatever the filter rule that
// produced it needs the caller to act on.
type RequestDecision struct {
	Verdict   RequestVerdict
	Desc      string
	BlockType config.BlockType
	ErrorCode uint32

	// WouldAction is the action (block or ask) a VerdictDryRun decision
	// was downgraded from, for the caller's diagnostic line.
	WouldAction config.Action
}

// Engine evaluates the static Policy loaded from config against one
// session's traffic. It holds no session-specific state: allowed globals
// and filters are fixed for the process lifetime.
type Engine struct {
	allowedGlobals map[string]bool
	requests       map[requestKey]config.RequestFilter
	filteredIfaces map[string]bool
	dryRun         bool
}

type requestKey struct {
	iface   string
	request string
}

// New builds an Engine from the loaded filter configuration. schemaKnown
// reports whether an interface name is present in the schema; filters
// naming an unknown interface only produce a diagnostic and are still
// loaded. They never match live traffic, because Session forwards
// messages on unknown interfaces opaquely without screening them.
func New(filter config.FilterConfig, schemaKnown func(iface string) bool) *Engine {
	e := &Engine{
		allowedGlobals: make(map[string]bool, len(filter.AllowedGlobals)),
		requests:       make(map[requestKey]config.RequestFilter),
		filteredIfaces: make(map[string]bool),
		dryRun:         filter.DryRun,
	}
	for _, g := range filter.AllowedGlobals {
		e.allowedGlobals[g] = true
	}
	for _, rf := range filter.Requests {
		if schemaKnown != nil && !schemaKnown(rf.Interface) {
			logger.Warn().Str("interface", rf.Interface).Msg("filter.requests names an interface absent from the schema; it can never match")
		}
		e.filteredIfaces[rf.Interface] = true
		for _, reqName := range rf.Requests {
			e.requests[requestKey{iface: rf.Interface, request: reqName}] = rf
		}
	}
	return e
}

// ScreenGlobal decides whether a wl_registry.global event for iface may
// reach the client.
func (e *Engine) ScreenGlobal(iface string) GlobalDecision {
	if e.allowedGlobals[iface] {
		return GlobalAllow
	}
	return GlobalHide
}

// ScreenBind decides whether a wl_registry.bind targeting iface is
// legitimate. A client may only bind an interface the proxy actually
// advertised to it.
func (e *Engine) ScreenBind(iface string) bool {
	return e.allowedGlobals[iface]
}

// ScreenRequest decides what to do with a client request on iface named
// requestName. Dry-run mode downgrades every block/ask verdict to
// VerdictDryRun instead of pass, so the caller still forwards the
// request but knows to log the would-be verdict first.
func (e *Engine) ScreenRequest(iface, requestName string) RequestDecision {
	rf, ok := e.requests[requestKey{iface: iface, request: requestName}]
	if !ok {
		return RequestDecision{Verdict: VerdictPass}
	}

	if e.dryRun && rf.Action != config.ActionNotify {
		return RequestDecision{Verdict: VerdictDryRun, Desc: rf.Desc, WouldAction: rf.Action}
	}

	switch rf.Action {
	case config.ActionBlock:
		return RequestDecision{Verdict: VerdictBlock, Desc: rf.Desc, BlockType: rf.BlockType, ErrorCode: rf.ErrorCode}
	case config.ActionAsk:
		return RequestDecision{Verdict: VerdictAsk, Desc: rf.Desc, BlockType: rf.BlockType, ErrorCode: rf.ErrorCode}
	case config.ActionNotify:
		return RequestDecision{Verdict: VerdictNotify, Desc: rf.Desc}
	default:
		return RequestDecision{Verdict: VerdictPass}
	}
}

// DryRun reports whether the engine is in dry-run mode. Session does not
// call it; it reacts to VerdictDryRun from ScreenRequest instead.
func (e *Engine) DryRun() bool {
	return e.dryRun
}

// HasFilter reports whether any filter rule is registered for iface, used
// by Session to skip filter-table lookups for the common case of an
// interface nobody filters.
func (e *Engine) HasFilter(iface string) bool {
	return e.filteredIfaces[iface]
}
