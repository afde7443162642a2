package api

import (
	"errors"
	"net/http"

	"github.com/psu-control/psuctl/internal/command"
	"github.com/psu-control/psuctl/internal/psu"
)

// ErrBadRequest indicates a malformed request body or path parameter.
var ErrBadRequest = errors.New("BAD_REQUEST")

// ToAPIError converts err to an HTTP status and an error envelope.
func ToAPIError(err error) (int, *Response) {
	if errors.Is(err, ErrBadRequest) {
		return http.StatusBadRequest, ErrorResponse("BAD_REQUEST", err.Error(), nil)
	}

	code := command.Code(err)
	status := statusFor(code)

	var details interface{}
	var verr *psu.ValidationError
	if errors.As(err, &verr) {
		details = map[string]interface{}{
			"channel": verr.Channel,
			"value":   verr.Value,
			"max":     verr.Max,
		}
	}

	return status, ErrorResponse(code, messageFor(code, err), details)
}

func statusFor(code string) int {
	switch code {
	case command.CodeInvalidRange:
		return http.StatusBadRequest
	case command.CodeNotFound:
		return http.StatusNotFound
	case command.CodeConflict:
		return http.StatusConflict
	case command.CodeRejected:
		return http.StatusBadGateway
	case command.CodeUnavailable, command.CodeBusy, command.CodeTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func messageFor(code string, err error) string {
	switch code {
	case command.CodeRejected:
		return "Command rejected by the power supply"
	case command.CodeBusy:
		return "Service busy, retry with backoff"
	case command.CodeInternal:
		return "Internal server error"
	default:
		return err.Error()
	}
}
