package flows

// Builder provides a fluent interface for building definitions
type Builder struct {
	def Definition
}

// NewBuilder starts a definition with the given flow id
func NewBuilder(id string) *Builder {
	return &Builder{def: Definition{ID: id}}
}

// Named sets the display name and description
func (b *Builder) Named(name, description string) *Builder {
	b.def.Name = name
	b.def.Description = description
	return b
}

// Add appends a fully declared node
func (b *Builder) Add(node Node) *Builder {
	b.def.Nodes = append(b.def.Nodes, node)
	return b
}

// Then appends a node that runs without confirmation
func (b *Builder) Then(id, nodeType string, config map[string]any) *Builder {
	return b.Add(Node{ID: id, Type: nodeType, Config: config})
}

// Confirm appends a node gated on a human confirmation
func (b *Builder) Confirm(
	id, nodeType string, config map[string]any,
) *Builder {
	return b.Add(Node{
		ID:                   id,
		Type:                 nodeType,
		Config:               config,
		RequiresConfirmation: true,
		ShowResponse:         true,
	})
}

// ContinueOnFailure sets the pipeline failure policy
func (b *Builder) ContinueOnFailure(enabled bool) *Builder {
	b.def.ContinueOnFailure = enabled
	return b
}

// Build validates and returns an independent copy of the definition
func (b *Builder) Build() (*Definition, error) {
	def := b.def.Clone()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// MustBuild is Build for static definitions known to be valid
func (b *Builder) MustBuild() *Definition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}
