package types

// InferRequest is the payload of POST /infer.
type InferRequest struct {
	// Input binding name. If empty, the server default is used.
	// example: input
	InputName string `json:"input_name,omitempty" example:"input"`
	// Output binding name. If empty, the server default is used.
	// example: output
	OutputName string `json:"output_name,omitempty" example:"output"`
	// Flattened input tensor; its length is the input element count.
	// example: [0.1, -0.4, 0.9]
	Input []float32 `json:"input"`
	// Number of output elements to read back. 0 uses the server default or the
	// output binding volume times the batch.
	// example: 1000
	OutputCount int `json:"output_count,omitempty" example:"1000"`
}

// InferResponse is returned by POST /infer.
type InferResponse struct {
	Output []float32 `json:"output"`
	// Wall time of the engine call, transfers included.
	// example: 1.25
	ElapsedMS float64 `json:"elapsed_ms" example:"1.25"`
}

// BindingInfo describes one engine binding.
type BindingInfo struct {
	// example: input
	Name string `json:"name" example:"input"`
	// example: true
	IsInput bool `json:"is_input" example:"true"`
	// Dimensions of one batch item.
	// example: [3, 224, 224]
	Dims []int `json:"dims" example:"[3,224,224]"`
	// Elements per batch item.
	// example: 150528
	Volume int `json:"volume" example:"150528"`
}

// EngineInfo is returned by GET /engine.
type EngineInfo struct {
	// Handle identifier, unique per load.
	ID string `json:"id"`
	// Engine file the handle was loaded from.
	// example: /var/lib/engined/net.engine
	Path string `json:"path" example:"/var/lib/engined/net.engine"`
	// Backend name.
	// example: sim
	Backend  string        `json:"backend" example:"sim"`
	Bindings []BindingInfo `json:"bindings"`
	// Whether the engine has exactly one input and one output.
	SingleInOut bool `json:"single_in_out"`
	// Default binding names and output count used when a request omits them.
	DefaultInput       string `json:"default_input"`
	DefaultOutput      string `json:"default_output"`
	DefaultOutputCount int    `json:"default_output_count,omitempty"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
	// Engine error kind, when the failure came from the engine.
	// example: unknown binding
	Kind string `json:"kind,omitempty" example:"unknown binding"`
}
