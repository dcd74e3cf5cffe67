package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/copyleftdev/hypertune/internal/job"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type idParams struct {
	SearchID string `json:"search_id"`
}

// handleJSONRPC handles search.start, search.status, search.cancel and
// search.list.
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request rpcRequest
	if err := json.NewDecoder(s.limit(w, r)).Decode(&request); err != nil {
		s.respondWithError(w, codeParseError, "Parse error", nil, nil)
		return
	}
	if request.JSONRPC != "2.0" || request.Method == "" {
		s.respondWithError(w, codeInvalidRequest, "Invalid Request", request.ID, nil)
		return
	}

	var result interface{}
	var err error
	switch request.Method {
	case "search.start":
		var spec job.Spec
		if err = decodeParams(request.Params, &spec); err != nil {
			break
		}
		var id string
		if id, err = s.Start(spec); err == nil {
			result = map[string]interface{}{"search_id": id, "status": StatusPending}
		}
	case "search.status":
		var p idParams
		if err = decodeParams(request.Params, &p); err == nil {
			result, err = s.Status(p.SearchID)
		}
	case "search.cancel":
		var p idParams
		if err = decodeParams(request.Params, &p); err == nil {
			if err = s.Cancel(p.SearchID); err == nil {
				result = map[string]interface{}{"search_id": p.SearchID, "status": "cancellation requested"}
			}
		}
	case "search.list":
		result = s.List()
	default:
		s.respondWithError(w, codeMethodNotFound, "Method not found", request.ID, nil)
		return
	}

	if err != nil {
		var pe *paramsError
		if errors.As(err, &pe) {
			s.respondWithError(w, codeInvalidParams, "Invalid params", request.ID, err.Error())
			return
		}
		s.respondWithError(w, codeServerError, "Server error", request.ID, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

type paramsError struct{ err error }

func (e *paramsError) Error() string { return e.err.Error() }

func (e *paramsError) Unwrap() error { return e.err }

// decodeParams accepts either a params object or an array holding one.
func decodeParams(raw json.RawMessage, v interface{}) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return &paramsError{errors.New("missing required parameters")}
	}
	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return &paramsError{err}
		}
		if len(list) != 1 {
			return &paramsError{fmt.Errorf("expected one parameter object, got %d", len(list))}
		}
		raw = list[0]
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &paramsError{fmt.Errorf("invalid parameter format: %w", err)}
	}
	return nil
}

// respondWithError sends a JSON-RPC 2.0 error response.
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}, data interface{}) {
	s.logger.Warn("JSON-RPC error", map[string]interface{}{
		"code":    code,
		"message": message,
		"data":    data,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"error":   rpcError{Code: code, Message: message, Data: data},
		"id":      id,
	})
}

// handleCreate handles POST /api/v1/searches.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var spec job.Spec
	dec := json.NewDecoder(s.limit(w, r))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	id, err := s.Start(spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"search_id": id,
		"status":    StatusPending,
	})
}

// handleList handles GET /api/v1/searches.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.List())
}

// handleStatus handles GET /api/v1/searches/{id}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleCancel handles DELETE /api/v1/searches/{id}.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.Cancel(id)
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrFinished):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"search_id": id,
			"status":    "cancellation requested",
		})
	}
}

func (s *Server) limit(w http.ResponseWriter, r *http.Request) io.ReadCloser {
	n := s.cfg.HTTP.MaxBodyBytes
	if n <= 0 {
		n = 32 << 20
	}
	return http.MaxBytesReader(w, r.Body, n)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
