// api/schemas/actions.go
package schemas

// ActionRequest is a parsed oracle directive: an action name and its
// parameter map. Malformed tool-call arguments degrade to an empty map
// rather than failing the parse.
type ActionRequest struct {
	Name   string                 `json:"name"`
	Params map[string]interface{} `json:"params"`
}

// Param returns the named parameter as a string, or the empty string
// when absent or not a string.
func (r ActionRequest) Param(key string) string {
	if r.Params == nil {
		return ""
	}
	s, _ := r.Params[key].(string)
	return s
}

// IntParam returns the named parameter as an int. JSON numbers decode as
// float64, so both representations are accepted.
func (r ActionRequest) IntParam(key string) (int, bool) {
	if r.Params == nil {
		return 0, false
	}
	switch v := r.Params[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// BoolParam returns the named parameter as a bool.
func (r ActionRequest) BoolParam(key string) bool {
	if r.Params == nil {
		return false
	}
	b, _ := r.Params[key].(bool)
	return b
}

// ActionResult is the uniform outcome contract returned by every action
// handler. Handlers convert driver failures into a failed result; no
// error or panic crosses the dispatcher boundary.
type ActionResult struct {
	Success     bool        `json:"success"`
	Observation string      `json:"observation"`
	Data        interface{} `json:"data,omitempty"`
	Error       string      `json:"error,omitempty"`
}
