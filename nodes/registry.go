package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/forechoandlook/stepflow"
	"github.com/forechoandlook/stepflow/kv"
	"github.com/forechoandlook/stepflow/utils"
)

// NodeDefinition captures metadata about a built-in node.
type NodeDefinition struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Example     string `json:"example"`
}

var (
	catalogMu   sync.RWMutex
	nodeCatalog = make(map[string]NodeDefinition)
)

// RegisterNode makes a node definition discoverable.
func RegisterNode(def NodeDefinition) {
	if def.ID == "" {
		return
	}
	catalogMu.Lock()
	defer catalogMu.Unlock()
	nodeCatalog[def.ID] = def
}

// NodeDefinitionFor returns metadata for a registered node.
func NodeDefinitionFor(id string) (NodeDefinition, bool) {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	def, ok := nodeCatalog[id]
	return def, ok
}

// Call carries everything a handler needs for one node execution
type Call struct {
	NodeType    string
	Config      Config
	Vars        stepflow.Vars
	Credentials *stepflow.Credentials
}

// Handler runs one node type
type Handler interface {
	Execute(ctx context.Context, call Call) (stepflow.NodeResult, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, call Call) (stepflow.NodeResult, error)

func (f HandlerFunc) Execute(ctx context.Context, call Call) (stepflow.NodeResult, error) {
	return f(ctx, call)
}

// credentialed handlers report whether a given configuration needs secrets
type credentialed interface {
	RequiresCredentials(cfg Config) bool
}

// Function is the callback shape behind the function node type
type Function func(ctx context.Context, vars stepflow.Vars) (stepflow.NodeResult, error)

// Registry maps node types to handlers and implements stepflow.Executor
type Registry struct {
	mu        sync.RWMutex
	handlers  map[string]Handler
	functions map[string]Function

	store  kv.Store
	client *http.Client
	model  string
	logger *slog.Logger
	shell  bool
}

var (
	_ stepflow.Executor        = (*Registry)(nil)
	_ stepflow.CredentialAware = (*Registry)(nil)
)

// Option configures a Registry
type Option func(*Registry)

// WithStore sets the store behind kv-read and kv-write
func WithStore(s kv.Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithHTTPClient sets the client used by the http node
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) { r.client = c }
}

// WithDefaultModel sets the model used when neither the node nor the
// credentials name one
func WithDefaultModel(model string) Option {
	return func(r *Registry) { r.model = model }
}

// WithLogger sets the logger used by the log node
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithShell installs the shell node type, which runs local commands
func WithShell(enabled bool) Option {
	return func(r *Registry) { r.shell = enabled }
}

// NewRegistry returns a registry with every built-in node type installed
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		handlers:  map[string]Handler{},
		functions: map[string]Function{},
		client:    http.DefaultClient,
		model:     defaultModel,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	llm := &llmHandler{defaultModel: r.model, client: r.client}
	r.Register("llm", llm)
	r.Register("model-call", llm)
	r.Register("transform", HandlerFunc(executeTransform))
	r.Register("lua", newLuaHandler())
	r.Register("http", &httpHandler{client: r.client})
	r.Register("kv-read", &kvReadHandler{registry: r})
	r.Register("kv-write", &kvWriteHandler{registry: r})
	r.Register("set", HandlerFunc(executeSet))
	r.Register("delay", HandlerFunc(executeDelay))
	r.Register("function", HandlerFunc(r.executeFunction))
	r.Register("log", &logHandler{logger: r.logger})
	if r.shell {
		r.Register("shell", shellHandler{})
	}
	return r
}

// Register installs or replaces the handler for nodeType
func (r *Registry) Register(nodeType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[nodeType] = h
}

// RegisterFunction exposes fn to flows as {"type": "function", "name": name}
func (r *Registry) RegisterFunction(name string, fn Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions[name] = fn
}

// Supports reports whether nodeType has a handler
func (r *Registry) Supports(nodeType string) bool {
	_, ok := r.handler(nodeType)
	return ok
}

// Types lists the installed node types, sorted
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		res = append(res, t)
	}
	sort.Strings(res)
	return res
}

// Definitions describes the installed node types
func (r *Registry) Definitions() []NodeDefinition {
	types := r.Types()
	res := make([]NodeDefinition, 0, len(types))
	for _, t := range types {
		def, ok := NodeDefinitionFor(t)
		if !ok {
			def = NodeDefinition{ID: t}
		}
		res = append(res, def)
	}
	return res
}

func (r *Registry) RequiresCredentials(nodeType string, config map[string]any) bool {
	h, ok := r.handler(nodeType)
	if !ok {
		return false
	}
	c, ok := h.(credentialed)
	return ok && c.RequiresCredentials(Config(config))
}

// Execute runs the handler for nodeType, applying the reserved timeout,
// retries, retryDelay and outputs keys of config
func (r *Registry) Execute(
	ctx context.Context, nodeType string, config map[string]any,
	vars stepflow.Vars, creds *stepflow.Credentials,
) (stepflow.NodeResult, error) {
	h, ok := r.handler(nodeType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown node type %q",
			stepflow.ErrMalformedRequest, nodeType)
	}

	cfg := Config(config)
	attrs, err := ParseAttributes(cfg)
	if err != nil {
		return nil, err
	}

	call := Call{
		NodeType:    nodeType,
		Config:      cfg,
		Vars:        vars,
		Credentials: creds,
	}

	var res stepflow.NodeResult
	err = utils.WithRetry(ctx, attrs.RetryAttempts+1, attrs.RetryDelay,
		func() error {
			// a timed out attempt may still be running; only a finished
			// attempt publishes its result
			var out stepflow.NodeResult
			err := utils.WithTimeout(ctx, attrs.Timeout,
				func(ctx context.Context) error {
					var err error
					out, err = h.Execute(ctx, call)
					return err
				})
			if err == nil {
				res = out
			}
			return err
		})
	if err != nil {
		return nil, err
	}
	return attrs.applyOutputs(res)
}

func (r *Registry) handler(nodeType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[nodeType]
	return h, ok
}

func (r *Registry) function(name string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.functions[name]
	return fn, ok
}
