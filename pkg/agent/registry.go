package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/elliottng/sigmasight/pkg/errmodel"
)

// Registry keeps the capabilities available to one agent. Unlike a process
// global, each Registry is owned by whoever builds the agent, so tests and
// concurrent agents never share tool sets by accident.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	schema *SchemaCache
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}, schema: NewSchemaCache()}
}

// Register adds t under its definition name. Names must be unique and the
// input schema must compile.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("tool is nil")
	}
	d := t.Describe()
	if d.Name == "" {
		return fmt.Errorf("tool name is empty")
	}
	if err := CompileJSONSchema(d.InputSchema); err != nil {
		return fmt.Errorf("tool %q: invalid input schema: %w", d.Name, err)
	}
	if err := CompileJSONSchema(d.OutputSchema); err != nil {
		return fmt.Errorf("tool %q: invalid output schema: %w", d.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[d.Name]; exists {
		return fmt.Errorf("tool %q already registered", d.Name)
	}
	r.tools[d.Name] = t
	return nil
}

// Resolve returns a Tool by name.
func (r *Registry) Resolve(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions lists every registered capability sorted by name.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Describe())
	}
	r.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Execute runs a capability and always returns an Outcome. Unknown names,
// invalid arguments, returned errors and panics are all converted into failed
// outcomes; nothing escapes to the caller.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (out Outcome) {
	t, ok := r.Resolve(name)
	if !ok {
		return Outcome{Success: false, Error: "Unknown tool: " + name}
	}
	defer func() {
		if rec := recover(); rec != nil {
			ce := errmodel.Tool(errmodel.CodeExecutionFailed, fmt.Sprintf("%s panicked: %v", name, rec), nil, nil)
			out = Failed(ce, ExecutionFailedGap(name))
		}
	}()
	if args == nil {
		args = map[string]any{}
	}
	res, err := SafeInvoke(ctx, t, args, r.schema.Validate)
	if err != nil {
		if errmodel.IsCategory(err, errmodel.CategoryValidation) {
			return Failed(err, InvalidArgumentsGap(name))
		}
		return Failed(err, ExecutionFailedGap(name))
	}
	return res
}

// SafeInvoke validates args against the tool's input schema, invokes it, and
// validates successful data against the output schema when one is declared.
func SafeInvoke(ctx context.Context, t Tool, args map[string]any, validate ValidateFunc) (Outcome, error) {
	if t == nil {
		return Outcome{}, errmodel.Validation("bad_tool", "tool is nil", nil)
	}
	if validate == nil {
		validate = JSONSchemaValidator
	}
	d := t.Describe()
	if err := validate(d.InputSchema, args); err != nil {
		return Outcome{}, errmodel.Validation(errmodel.CodeInvalidArguments, fmt.Sprintf("invalid arguments for %s: %v", d.Name, err), map[string]any{"tool": d.Name})
	}
	out, err := t.Invoke(ctx, args)
	if err != nil {
		return Outcome{}, errmodel.Tool(errmodel.CodeExecutionFailed, d.Name+" failed: "+err.Error(), map[string]any{"tool": d.Name}, nil)
	}
	if out.Success && len(d.OutputSchema) > 0 {
		if err := validate(d.OutputSchema, out.Data); err != nil {
			return Outcome{}, errmodel.Tool("invalid_result", d.Name+" returned data that violates its output schema", map[string]any{"tool": d.Name, "error": err.Error()}, nil)
		}
	}
	return out, nil
}
