package http

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format. Result carries the
// operation outcome name (e.g. "not_a_number") when there is one.
type Response struct {
	Status Status `json:"status,omitempty"`
	Result string `json:"result,omitempty"`
	Value  string `json:"value,omitempty"`
	CAS    uint64 `json:"cas,omitempty"`
	Flags  uint32 `json:"flags,omitempty"`
	Error  string `json:"error,omitempty"`
	Stats  any    `json:"stats,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse(result string) Response {
	return Response{Status: StatusSuccess, Result: result}
}

func NewValueResponse(value string, cas uint64, flags uint32) Response {
	return Response{Status: StatusSuccess, Value: value, CAS: cas, Flags: flags}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// NewResultErrorResponse reports a domain outcome that is not a success.
func NewResultErrorResponse(result string) Response {
	return Response{Status: StatusError, Result: result, Error: result}
}
