package tools

// Result carries a tool outcome back through the agent loop. ForLLM is
// what the model reads on its next iteration; ForUser, when set, is
// surfaced verbatim in the conversation instead of the model's summary.
type Result struct {
	ForLLM  string `json:"for_llm"`
	ForUser string `json:"for_user,omitempty"`
	IsError bool   `json:"is_error"`
	Err     error  `json:"-"`
}

// NewResult wraps plain model-facing output.
func NewResult(forLLM string) *Result { return &Result{ForLLM: forLLM} }

// ErrorResult marks the output as a failure the model can react to.
// Tool failures stay values; the loop never sees a panic.
func ErrorResult(message string) *Result { return &Result{ForLLM: message, IsError: true} }

// UserResult sends the same text to both the model and the user.
func UserResult(content string) *Result { return &Result{ForLLM: content, ForUser: content} }

// WithError attaches the underlying error for logging. It is never
// serialized into the conversation.
func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
