package execute

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"quorum/internal/logging"
	"quorum/internal/types"
)

// Request is what sandboxed code writes into the bridge: a focused question
// plus the context it already holds, at one recursion depth below the host.
type Request struct {
	ID           string
	Query        string
	ContextSlice string
	Depth        int
}

// Response is the host's answer to a bridged request.
type Response struct {
	ID      string
	Text    string
	Success bool
	Err     error
}

// Handler runs a fresh pipeline invocation for a bridged request. The
// bridge never calls it once the depth ceiling is reached.
type Handler func(ctx context.Context, req Request) (string, error)

// Bridge is the host side of the sandbox recursion protocol. Sandboxed code
// has no call path back into the pipeline, so it hands a Request to the
// bridge and blocks; the host runs a depth+1 invocation and signals the
// sandbox with the Response. AskDeferred is the non-blocking fallback for
// contexts that cannot block: it returns a placeholder token immediately
// and ResolveAll patches answers in before final assembly.
type Bridge struct {
	handler  Handler
	maxDepth int
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCall
}

type pendingCall struct {
	done chan struct{}
	text string
	err  error
}

// NewBridge returns a bridge enforcing the given depth ceiling.
func NewBridge(handler Handler, maxDepth int, timeout time.Duration) *Bridge {
	return &Bridge{
		handler:  handler,
		maxDepth: maxDepth,
		timeout:  timeout,
		pending:  make(map[string]*pendingCall),
	}
}

// Ask performs a blocking recursive call. Exceeding the depth ceiling fails
// immediately with ErrRecursionLimit; callers treat that as skip-and-continue.
func (b *Bridge) Ask(ctx context.Context, query, contextSlice string, depth int) (string, error) {
	req := Request{ID: uuid.NewString(), Query: query, ContextSlice: contextSlice, Depth: depth}
	if depth >= b.maxDepth {
		logging.Execute("recursion ceiling hit at depth %d for %q", depth, query)
		return "", types.NewSubQueryError(req.ID, depth, types.ErrRecursionLimit, nil)
	}

	ch := make(chan Response, 1)
	go func() {
		text, err := b.handler(ctx, req)
		ch <- Response{ID: req.ID, Text: text, Success: err == nil, Err: err}
	}()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if !resp.Success {
			return "", types.NewSubQueryError(req.ID, depth, types.ErrUpstreamCall, resp.Err)
		}
		return resp.Text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", types.NewSubQueryError(req.ID, depth, types.ErrSubQueryTimeout, nil)
	}
}

// Placeholder returns the token AskDeferred hands back for id.
func Placeholder(id string) string {
	return fmt.Sprintf("⟨pending:%s⟩", id)
}

var placeholderRe = regexp.MustCompile(`⟨pending:([0-9a-fA-F-]+)⟩`)

// AskDeferred starts the recursive call out-of-band and returns a
// placeholder token immediately. The real answer is patched in by
// ResolveAll. Depth-ceiling failures still fail fast.
func (b *Bridge) AskDeferred(ctx context.Context, query, contextSlice string, depth int) (string, error) {
	req := Request{ID: uuid.NewString(), Query: query, ContextSlice: contextSlice, Depth: depth}
	if depth >= b.maxDepth {
		return "", types.NewSubQueryError(req.ID, depth, types.ErrRecursionLimit, nil)
	}

	pc := &pendingCall{done: make(chan struct{})}
	b.mu.Lock()
	b.pending[req.ID] = pc
	b.mu.Unlock()

	go func() {
		pc.text, pc.err = b.handler(ctx, req)
		close(pc.done)
	}()
	return Placeholder(req.ID), nil
}

// ResolveAll replaces every placeholder token in text with its resolved
// answer, waiting up to the bridge timeout per call. Failed or unknown
// placeholders resolve to a bracketed unavailable marker rather than
// leaking tokens into the final output.
func (b *Bridge) ResolveAll(ctx context.Context, text string) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(tok string) string {
		id := placeholderRe.FindStringSubmatch(tok)[1]
		b.mu.Lock()
		pc, ok := b.pending[id]
		delete(b.pending, id)
		b.mu.Unlock()
		if !ok {
			return "[answer unavailable]"
		}

		timer := time.NewTimer(b.timeout)
		defer timer.Stop()
		select {
		case <-pc.done:
			if pc.err != nil {
				logging.Execute("deferred call %s failed: %v", id, pc.err)
				return "[answer unavailable]"
			}
			return pc.text
		case <-ctx.Done():
			return "[answer unavailable]"
		case <-timer.C:
			logging.Execute("deferred call %s timed out", id)
			return "[answer unavailable]"
		}
	})
}

// PendingCount returns how many deferred calls are unresolved.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
