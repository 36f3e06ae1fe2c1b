package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/ConvoPipe/internal/models"
)

// internalErrorBody is written when a response cannot be encoded.
var internalErrorBody = mustEncode(models.Error("Internal server error"))

func mustEncode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("api: cannot encode static response: " + err.Error())
	}
	return data
}

// writeResult wraps result in a success envelope.
func writeResult(w http.ResponseWriter, status int, result any) {
	writeJSONResponse(w, status, models.Success(result))
}

// writeError wraps message in an error envelope. Server errors are logged
// since the client only sees the message.
func writeError(w http.ResponseWriter, status int, message string) {
	if status >= http.StatusInternalServerError {
		slog.Warn("api.writeError: server error response", "status", status, "message", message)
	}
	writeJSONResponse(w, status, models.Error(message))
}

// writeJSONResponse encodes body before touching headers so an encoding
// failure still yields a well-formed 500.
func writeJSONResponse(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		slog.Error("api.writeJSONResponse: encode failed", "error", err)
		status, data = http.StatusInternalServerError, internalErrorBody
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.Debug("api.writeJSONResponse: client went away", "error", err)
	}
}
