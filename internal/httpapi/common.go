// Package httpapi is the HTTP+JSON surface shared by the Dispatch
// Controller and the Settlement Ledger: request decoding, the error
// envelope carrying a machine-readable kind, CORS policy, and the
// bearer-token check on service-to-service routes.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/cors"
	"github.com/swarmos/swarmos/internal/rpcauth"
	"github.com/swarmos/swarmos/internal/swarmtypes"
	"github.com/swarmos/swarmos/internal/xlog"
)

var log = xlog.New("component", "httpapi")

// maxBodyBytes bounds request bodies; job submissions and seal requests
// are small, and the data plane never flows through the core.
const maxBodyBytes = 1 << 20

// errorBody is the error envelope every non-2xx response carries.
type errorBody struct {
	Kind    swarmtypes.ErrKind `json:"kind"`
	Message string             `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := swarmtypes.KindOf(err)
	writeJSON(w, kind.HTTPStatus(), errorBody{Kind: kind, Message: err.Error()})
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return swarmtypes.Wrap(swarmtypes.ErrBadRequest, err, "malformed request body")
	}
	return nil
}

// WithCORS applies the cross-origin policy for the client/operator-
// facing surface.
func WithCORS(h http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(h)
}

// requireService wraps a handler with the bearer-token check. A nil or
// empty key disables the check (single-process demos, tests).
func requireService(key []byte, fn http.HandlerFunc) http.HandlerFunc {
	if len(key) == 0 {
		return fn
	}
	return func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if tok == "" || tok == r.Header.Get("Authorization") {
			writeError(w, swarmtypes.NewError(swarmtypes.ErrUnauthorized, "missing bearer token"))
			return
		}
		service, err := rpcauth.Verify(key, tok)
		if err != nil {
			writeError(w, swarmtypes.NewError(swarmtypes.ErrUnauthorized, "invalid bearer token"))
			return
		}
		log.Trace("service call", "service", service, "path", r.URL.Path)
		fn(w, r)
	}
}

// shift splits the first path segment off p: shift("/a/b/c") = ("a",
// "/b/c"). Used by the hand-rolled routers for the {id}-bearing routes.
func shift(p string) (head, rest string) {
	p = strings.TrimPrefix(p, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i], p[i:]
	}
	return p, "/"
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, swarmtypes.NewError(swarmtypes.ErrBadRequest, "method not allowed"))
}

func notFound(w http.ResponseWriter) {
	writeError(w, swarmtypes.NewError(swarmtypes.ErrNotFound, "no such route"))
}
