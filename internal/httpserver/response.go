package httpserver

import (
	"encoding/json"
	"net/http"

	pgerrors "github.com/paygate/gateway/internal/errors"
	"github.com/paygate/gateway/internal/gate"
	"github.com/paygate/gateway/pkg/responders"
)

// writeJSON marshals v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	responders.JSON(w, status, v)
}

// writeRPCResponse writes a gate.RPCResponse as plain JSON (the non-SSE
// content-negotiation branch of spec §4.10/§6.1).
func writeRPCResponse(w http.ResponseWriter, resp gate.RPCResponse) {
	status := http.StatusOK
	writeJSON(w, status, resp)
}

// writeRPCError writes a front-door-level JSON-RPC error — used when
// resolveAuth itself fails, or the request body can't even be parsed,
// before Gate.Handle is ever called.
func writeRPCError(w http.ResponseWriter, id json.RawMessage, code pgerrors.ErrorCode, message string) {
	resp := gate.RPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &gate.RPCErrorBody{
			Code:    code.JSONRPCCode(),
			Message: message,
		},
	}
	writeJSON(w, code.HTTPStatus(), resp)
}

// writeParseError is the JSON-RPC -32700 response for a request body that
// didn't even parse as JSON.
func writeParseError(w http.ResponseWriter, message string) {
	writeRPCError(w, nil, pgerrors.ErrCodeParseError, message)
}
