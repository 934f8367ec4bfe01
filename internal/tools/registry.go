// Package tools enumerates the in-process tools agents may call and gates
// them by each agent's skill allow-list.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joilabs/joi-gateway/internal/bus"
	"github.com/joilabs/joi-gateway/internal/providers"
	"github.com/joilabs/joi-gateway/internal/store"
)

// Context carries the turn state into a tool handler.
type Context struct {
	ConversationID uuid.UUID
	AgentID        string
	Agent          *store.AgentRecord
	Depth          int
	Events         bus.Publisher
}

// Tool is one callable capability.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, input map[string]interface{}, tc *Context) *Result
}

// SpawnToolName is gated dynamically by the agent's maxSpawnDepth.
const SpawnToolName = "spawn_agent"

// Registry holds the bundled tool set with compiled input schemas.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		logger:  logger,
	}
}

// Register adds a tool; its input schema must compile.
func (r *Registry) Register(t Tool) error {
	schema, err := compileSchema(t.Name(), t.InputSchema())
	if err != nil {
		return fmt.Errorf("tool %s: %w", t.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	r.schemas[t.Name()] = schema
	return nil
}

// MustRegister panics on a broken bundled tool; used at wiring time.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// ToolsFor computes the agent's visible tool set: the intersection of the
// registry with the agent's skill allow-list. An empty skills list means
// no tools. spawn_agent additionally requires maxSpawnDepth > depth.
func (r *Registry) ToolsFor(agent *store.AgentRecord, depth int) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Tool
	for _, skill := range agent.Skills {
		t, ok := r.tools[skill]
		if !ok {
			continue
		}
		if t.Name() == SpawnToolName && agent.Config.MaxSpawnDepth <= depth {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Definitions renders tools for the provider wire format.
func Definitions(list []Tool) []providers.ToolDefinition {
	defs := make([]providers.ToolDefinition, 0, len(list))
	for _, t := range list {
		defs = append(defs, providers.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}

// Execute validates input against the tool's schema and runs the handler.
// A missing tool or invalid input yields an error result, never a panic.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]interface{}, tc *Context) *Result {
	r.mu.RLock()
	t, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool %q", name))
	}
	if input == nil {
		input = map[string]interface{}{}
	}
	if err := schema.Validate(toJSONValue(input)); err != nil {
		r.logger.Warn("tool input rejected", "tool", name, "error", err)
		return ErrorResult(fmt.Sprintf("invalid input for %s: %v", name, err))
	}

	result := t.Execute(ctx, input, tc)
	if result == nil {
		result = ErrorResult(fmt.Sprintf("tool %s returned no result", name))
	}
	if result.Err != nil {
		r.logger.Error("tool execution failed", "tool", name, "error", result.Err)
	}
	return result
}

func compileSchema(name string, schema map[string]interface{}) (*jsonschema.Schema, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// toJSONValue round-trips input through JSON so the validator sees the
// exact types it expects (json.Number handling aside).
func toJSONValue(input map[string]interface{}) interface{} {
	data, err := json.Marshal(input)
	if err != nil {
		return input
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return input
	}
	return v
}

// ObjectSchema is a helper for the common flat-object input schema.
func ObjectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	s := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
