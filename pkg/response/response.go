// Package response writes the operator API's JSON envelope.
package response

import (
	"encoding/json"
	"io"
	"net/http"
)

// Body is the envelope every JSON endpoint returns. Error carries field
// messages or the conflicting records; Data carries the payload, including
// the report of a run that ended badly.
type Body struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   interface{} `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

type Meta struct {
	Limit int `json:"limit"`
	Total int `json:"total"`
}

func write(w http.ResponseWriter, status int, body Body) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func OK(w http.ResponseWriter, message string, data interface{}) {
	write(w, http.StatusOK, Body{Success: true, Message: message, Data: data})
}

// Page writes one page of a listing.
func Page(w http.ResponseWriter, message string, items interface{}, limit, total int) {
	write(w, http.StatusOK, Body{
		Success: true,
		Message: message,
		Data:    items,
		Meta:    &Meta{Limit: limit, Total: total},
	})
}

// RunResult writes a reconciliation outcome. The report travels in Data
// whatever the status, so a 503 still tells the caller nothing was changed.
func RunResult(w http.ResponseWriter, status int, message string, report interface{}) {
	write(w, status, Body{
		Success: status < http.StatusBadRequest,
		Message: message,
		Data:    report,
	})
}

// Fail writes an error. An empty message falls back to the status text.
func Fail(w http.ResponseWriter, status int, message string, detail interface{}) {
	if message == "" {
		message = http.StatusText(status)
	}
	write(w, status, Body{Message: message, Error: detail})
}

// Invalid reports request fields that failed validation.
func Invalid(w http.ResponseWriter, fields map[string]string) {
	Fail(w, http.StatusBadRequest, "Validation failed", fields)
}

// Attachment streams a generated file. write runs after the headers are set.
func Attachment(w http.ResponseWriter, contentType, filename string, write func(io.Writer) error) error {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	return write(w)
}
