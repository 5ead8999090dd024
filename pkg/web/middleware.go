/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"

	"github.com/mtube-labs/ledger-gateway/pkg/logging"
)

// Middleware wraps an http.Handler with a cross-cutting concern.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares right to left, so the first one listed is the
// outermost.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

const requestIDHeader = "X-Request-Id"

// WithCORS opens the REST surface to browser clients on any origin,
// answering OPTIONS preflight for every route.
func WithCORS() Middleware {
	return func(next http.Handler) http.Handler {
		return handlers.CORS(
			handlers.AllowedOrigins([]string{"*"}),
			handlers.AllowedHeaders([]string{"Content-Type", headerUsername, headerOrgName}),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}),
		)(next)
	}
}

// WithRequestID tags every request with a correlation id, echoed back in
// the response headers.
func WithRequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			reqID := req.Header.Get(requestIDHeader)
			if len(reqID) == 0 {
				reqID = uuid.New().String()
			}
			w.Header().Set(requestIDHeader, reqID)
			next.ServeHTTP(w, req)
		})
	}
}

// WithRequestLogging logs one line per inbound request.
func WithRequestLogging(l logging.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			l.Infof("New request for URL [%s %s] from [%s]", req.Method, req.URL.Path, req.RemoteAddr)
			next.ServeHTTP(w, req)
		})
	}
}

// WithRecovery is the uniform failure boundary around every request
// handling task: a panic becomes a structured 500 JSON body instead of a
// torn-down serving goroutine.
func WithRecovery(l logging.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			defer func() {
				if r := recover(); r != nil {
					l.Errorf("panic while serving [%s %s]: %v", req.Method, req.URL.Path, r)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"error": fmt.Sprint(r),
					})
				}
			}()
			next.ServeHTTP(w, req)
		})
	}
}
