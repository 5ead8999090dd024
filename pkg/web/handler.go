/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package web

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/mtube-labs/ledger-gateway/pkg/logging"
)

type ResponseErr struct {
	Reason string `json:"reason"`
}

// ReqContext carries a parsed request through a RequestHandler.
type ReqContext struct {
	Req   *http.Request
	Vars  map[string]string
	Query interface{}
}

// RequestHandler is implemented by every REST operation of the gateway.
type RequestHandler interface {
	// HandleRequest dispatches the request in the backend by parsing the given request context
	// and returning a status code and a response back to the client.
	HandleRequest(*ReqContext) (response interface{}, statusCode int)

	// ParsePayload parses the payload to handler specific form or returns an error
	ParsePayload([]byte) (interface{}, error)
}

// HttpHandler routes REST requests to registered RequestHandlers and keeps
// every response, success or failure, a JSON body.
type HttpHandler struct {
	r      *mux.Router
	Logger logging.Logger
}

func NewHttpHandler(l logging.Logger) *HttpHandler {
	return &HttpHandler{r: mux.NewRouter(), Logger: l}
}

func (h *HttpHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

func (h *HttpHandler) RegisterURI(uri string, method string, rh RequestHandler) {
	f := func(backToClient http.ResponseWriter, req *http.Request) {
		h.handle(backToClient, req, rh)
	}
	h.r.HandleFunc(uri, f).Methods(method)
}

// Mount attaches a plain http.Handler (websocket upgrade, metrics, log
// spec) under uri, bypassing the JSON request/response discipline.
func (h *HttpHandler) Mount(uri string, method string, handler http.Handler) {
	h.r.Handle(uri, handler).Methods(method)
}

// PathTemplate returns the route template matching req, so metrics can
// label by "/content/{uniqID}" instead of one label per id.
func (h *HttpHandler) PathTemplate(req *http.Request) string {
	var match mux.RouteMatch
	if h.r.Match(req, &match) && match.Route != nil {
		if tpl, err := match.Route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func (h *HttpHandler) handle(backToClient http.ResponseWriter, req *http.Request, rh RequestHandler) {
	if _, err := negotiateContentType(req); err != nil {
		sendErr(backToClient, http.StatusBadRequest, "bad content type", h.Logger, err)
		return
	}

	reqPayload, err := io.ReadAll(req.Body)
	if err != nil {
		sendErr(backToClient, http.StatusBadRequest, "failed reading request", h.Logger, err)
		return
	}

	o, err := rh.ParsePayload(reqPayload)
	if err != nil {
		sendErr(backToClient, http.StatusBadRequest, "failed parsing request", h.Logger, err)
		return
	}

	reqCtx := &ReqContext{
		Query: o,
		Req:   req,
		Vars:  mux.Vars(req),
	}

	resultFromBackend, statusCode := rh.HandleRequest(reqCtx)

	response := &bytes.Buffer{}
	encoder := json.NewEncoder(response)
	if err := encoder.Encode(resultFromBackend); err != nil {
		sendErr(backToClient, http.StatusInternalServerError, "failed encoding response from backend", h.Logger, err)
		return
	}

	backToClient.Header().Set("Content-Type", "application/json")
	backToClient.WriteHeader(statusCode)
	backToClient.Write(response.Bytes())
}

func sendErr(resp http.ResponseWriter, code int, errToClient string, l logging.Logger, errLogged error) {
	if errLogged != nil {
		l.Warnf("Failed processing request: %v", errLogged)
	}

	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(code)
	encoder := json.NewEncoder(resp)
	if err := encoder.Encode(&ResponseErr{Reason: errToClient}); err != nil {
		l.Warnf("Failed encoding response: %v", err)
	}
}

func negotiateContentType(req *http.Request) (string, error) {
	acceptReq := req.Header.Get("Accept")
	if len(acceptReq) == 0 {
		return "application/json", nil
	}

	options := strings.Split(acceptReq, ",")
	for _, opt := range options {
		if strings.Contains(opt, "application/json") ||
			strings.Contains(opt, "application/*") ||
			strings.Contains(opt, "*/*") {
			return "application/json", nil
		}
	}

	return "", errors.New("response Content-Type is application/json only")
}
