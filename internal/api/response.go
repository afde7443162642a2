package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// Response is the unified envelope.
type Response struct {
	Result        string      `json:"result"`
	Data          interface{} `json:"data,omitempty"`
	Code          string      `json:"code,omitempty"`
	Message       string      `json:"message,omitempty"`
	Details       interface{} `json:"details,omitempty"`
	CorrelationID string      `json:"correlationId"`
}

// SuccessResponse creates a success response.
func SuccessResponse(data interface{}) *Response {
	return &Response{
		Result:        "ok",
		Data:          data,
		CorrelationID: uuid.NewString(),
	}
}

// ErrorResponse creates an error response.
func ErrorResponse(code, message string, details interface{}) *Response {
	return &Response{
		Result:        "error",
		Code:          code,
		Message:       message,
		Details:       details,
		CorrelationID: uuid.NewString(),
	}
}

// WriteSuccess writes a 200 success response.
func WriteSuccess(w http.ResponseWriter, data interface{}) {
	writeResponse(w, http.StatusOK, SuccessResponse(data))
}

// WriteError writes an error response.
func WriteError(w http.ResponseWriter, statusCode int, code, message string, details interface{}) {
	writeResponse(w, statusCode, ErrorResponse(code, message, details))
}

// WriteErr maps err with ToAPIError and writes it.
func WriteErr(w http.ResponseWriter, err error) {
	status, resp := ToAPIError(err)
	writeResponse(w, status, resp)
}

func writeResponse(w http.ResponseWriter, statusCode int, response *Response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Correlation-ID", response.CorrelationID)
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}
