// Package tools holds the functions the assistant may call during a
// conversation and dispatches calls to them by name.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// ErrUnknownTool is returned by Dispatch for an unregistered name.
var ErrUnknownTool = errors.New("unknown tool")

// Handler executes one tool call with decoded JSON arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

type entry struct {
	decl    *genai.FunctionDeclaration
	handler Handler
}

// Registry maps tool names to declarations and handlers.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]entry
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{tools: make(map[string]entry), logger: logger}
}

// Register adds or replaces a tool.
func (r *Registry) Register(decl *genai.FunctionDeclaration, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[decl.Name] = entry{decl: decl, handler: handler}
}

// Declarations lists registered tools sorted by name.
func (r *Registry) Declarations() []*genai.FunctionDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	decls := make([]*genai.FunctionDeclaration, 0, len(r.tools))
	for _, e := range r.tools {
		decls = append(decls, e.decl)
	}
	sort.Slice(decls, func(i, j int) bool { return decls[i].Name < decls[j].Name })
	return decls
}

// Dispatch runs the named tool.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	r.logger.Info("dispatching tool call", zap.String("tool", name))
	result, err := e.handler(ctx, args)
	if err != nil {
		r.logger.Warn("tool call failed", zap.String("tool", name), zap.Error(err))
		return nil, err
	}
	return result, nil
}
