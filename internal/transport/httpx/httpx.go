// Package httpx writes the JSON envelope shared by the router and the
// management API:
//
//	{"ok": true, "data": ...}
//	{"ok": false, "error": {"code": "not_found", "message": "..."}}
package httpx

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"botgate/internal/errs"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Envelope struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func OK(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Envelope{OK: true, Data: data})
}

// Error writes err with the status its kind maps to.
func Error(w http.ResponseWriter, err error) {
	code := errs.Code(err)
	WriteJSON(w, StatusOf(code), Envelope{Error: &ErrorBody{Code: code, Message: err.Error()}})
}

// Fail writes an error envelope with an explicit status and code.
func Fail(w http.ResponseWriter, status int, code, msg string) {
	WriteJSON(w, status, Envelope{Error: &ErrorBody{Code: code, Message: msg}})
}

func StatusOf(code string) int {
	switch code {
	case "config_error", "unknown_type":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "duplicate_registration", "invalid_state":
		return http.StatusConflict
	case "unsupported":
		return http.StatusNotImplemented
	case "timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Decode reads a JSON body strictly into dst.
func Decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errs.Config("body", "%v", err)
	}
	return nil
}
