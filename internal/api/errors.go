package api

import (
	"errors"

	"github.com/danielgtaylor/huma/v2"
)

// APIError is the error body of every API response. Requests rejected for
// their content also name the offending fields in Details, e.g.
// {"code": 422, "message": "validation failed", "details": [{"location": "body.team_id", ...}]}.
type APIError struct {
	status  int
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Details []*FieldError `json:"details,omitempty"`
}

// FieldError points at one rejected request value.
type FieldError struct {
	Location string `json:"location,omitempty"`
	Message  string `json:"message"`
	Value    any    `json:"value,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

func (e *APIError) GetStatus() int {
	return e.status
}

// newAPIError builds the response for status. Only errors carrying a huma
// error detail end up in Details; other causes are never echoed to clients
// beyond standing in for an empty message.
func newAPIError(status int, msg string, errs ...error) *APIError {
	e := &APIError{status: status, Code: status, Message: msg}
	for _, err := range errs {
		var d huma.ErrorDetailer
		if err == nil || !errors.As(err, &d) {
			continue
		}
		if ed := d.ErrorDetail(); ed != nil {
			e.Details = append(e.Details, &FieldError{Location: ed.Location, Message: ed.Message, Value: ed.Value})
		}
	}
	if e.Message == "" {
		switch {
		case len(e.Details) > 0:
			e.Message = e.Details[0].Message
		case len(errs) > 0 && errs[0] != nil:
			e.Message = errs[0].Error()
		}
	}
	return e
}

func init() {
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, msg, errs...)
	}
}
