package childmgr

// ToolSchema is one tool declared by a child. InputSchema is the declaration
// as received on the wire, untyped because children may ship any schema
// dialect.
type ToolSchema struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema,omitempty"`
}

// ResourceSchema is one resource declared by a child.
type ResourceSchema struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// ChildSchema aggregates the tool and resource declarations of one child.
type ChildSchema struct {
	Server    string           `json:"server"`
	Status    SessionStatus    `json:"status"`
	Tools     []ToolSchema     `json:"tools"`
	Resources []ResourceSchema `json:"resources"`
}
