package api

import (
	"encoding/json"
	"net/http"
)

// errorBody is the JSON body of every failed request.
type errorBody struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Codes without a status of their own in statusCodes.
const (
	codeQueueFull     = "queue_full"
	codePublishFailed = "publish_failed"
)

// statusCodes is the default error code for each status the routes return.
var statusCodes = map[int]string{
	http.StatusBadRequest:          "bad_request",
	http.StatusUnauthorized:        "unauthorised",
	http.StatusForbidden:           "forbidden",
	http.StatusNotFound:            "not_found",
	http.StatusInternalServerError: "internal_error",
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	//nolint:errcheck // client may have gone away
	json.NewEncoder(w).Encode(v)
}

// fail writes an error body using the default code for status.
func fail(w http.ResponseWriter, status int, message string) {
	code, ok := statusCodes[status]
	if !ok {
		code = statusCodes[http.StatusInternalServerError]
	}
	failCode(w, status, code, message)
}

func failCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Status: status, Code: code, Message: message})
}
