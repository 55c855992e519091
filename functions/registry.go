// Package functions holds the tools the model may call during a
// conversation and dispatches the calls it issues.
package functions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/genai"

	"github.com/room4-2/voicelink/protocol"
)

var (
	ErrDuplicateFunction = errors.New("function already registered")
	ErrInvalidFunction   = errors.New("invalid function declaration")
)

// Handler executes one call. The returned map becomes the response
// payload sent back to the model.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

type function struct {
	decl    *genai.FunctionDeclaration
	handler Handler
}

// Registry maps function names to declarations and handlers. It is safe
// for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	funcs  map[string]function
	order  []string
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		funcs:  make(map[string]function),
		logger: logger.With("component", "functions"),
	}
}

func (r *Registry) Register(decl *genai.FunctionDeclaration, h Handler) error {
	if decl == nil || decl.Name == "" || h == nil {
		return ErrInvalidFunction
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funcs[decl.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateFunction, decl.Name)
	}
	r.funcs[decl.Name] = function{decl: decl, handler: h}
	r.order = append(r.order, decl.Name)
	return nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.funcs[name]
	return ok
}

// Names returns function names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Declarations converts every registered function to the form sent in the
// live setup frame.
func (r *Registry) Declarations() []protocol.ToolDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.ToolDeclaration, 0, len(r.order))
	for _, name := range r.order {
		decl := r.funcs[name].decl
		td := protocol.ToolDeclaration{Name: decl.Name, Description: decl.Description}
		if decl.Parameters != nil {
			td.Parameters = SchemaToMap(decl.Parameters)
		}
		out = append(out, td)
	}
	return out
}

// GenaiTools returns the declarations for a genai request, or nil when
// nothing is registered.
func (r *Registry) GenaiTools() []*genai.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(r.order))
	for _, name := range r.order {
		decls = append(decls, r.funcs[name].decl)
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// Call runs the handler for call. Unknown functions and handler failures
// are reported to the model as an "error" entry rather than a Go error.
func (r *Registry) Call(ctx context.Context, call protocol.FunctionCall) protocol.FunctionResponse {
	resp := protocol.FunctionResponse{ID: call.ID, Name: call.Name}

	r.mu.RLock()
	fn, ok := r.funcs[call.Name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("unknown function called", "name", call.Name, "id", call.ID)
		resp.Response = map[string]any{"error": fmt.Sprintf("Unknown function: %s", call.Name)}
		return resp
	}

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	out, err := fn.handler(ctx, args)
	if err != nil {
		r.logger.Warn("function failed", "name", call.Name, "id", call.ID, "error", err)
		resp.Response = map[string]any{"error": err.Error()}
		return resp
	}
	if out == nil {
		out = map[string]any{}
	}
	r.logger.Debug("function completed", "name", call.Name, "id", call.ID)
	resp.Response = out
	return resp
}

// HandleCalls answers every call in order.
func (r *Registry) HandleCalls(ctx context.Context, calls []protocol.FunctionCall) []protocol.FunctionResponse {
	out := make([]protocol.FunctionResponse, 0, len(calls))
	for _, c := range calls {
		out = append(out, r.Call(ctx, c))
	}
	return out
}

// SchemaToMap renders s as the JSON schema object used on the wire.
func SchemaToMap(s *genai.Schema) map[string]any {
	if s == nil {
		return nil
	}
	m := map[string]any{}
	if s.Type != "" {
		m["type"] = string(s.Type)
	}
	if s.Description != "" {
		m["description"] = s.Description
	}
	if s.Format != "" {
		m["format"] = s.Format
	}
	if len(s.Enum) > 0 {
		enum := make([]any, len(s.Enum))
		for i, v := range s.Enum {
			enum[i] = v
		}
		m["enum"] = enum
	}
	if len(s.Required) > 0 {
		req := make([]any, len(s.Required))
		for i, v := range s.Required {
			req[i] = v
		}
		m["required"] = req
	}
	if len(s.Properties) > 0 {
		props := make(map[string]any, len(s.Properties))
		for k, v := range s.Properties {
			props[k] = SchemaToMap(v)
		}
		m["properties"] = props
	}
	if s.Items != nil {
		m["items"] = SchemaToMap(s.Items)
	}
	return m
}
