/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package web

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/mtube-labs/ledger-gateway/pkg/events"
	"github.com/mtube-labs/ledger-gateway/pkg/gateway"
	"github.com/mtube-labs/ledger-gateway/pkg/identity"
	"github.com/mtube-labs/ledger-gateway/pkg/ledger"
	"github.com/mtube-labs/ledger-gateway/pkg/logging"
)

const (
	headerUsername = "X-username"
	headerOrgName  = "X-orgName"
)

// binding maps one REST endpoint to a chaincode function: the HTTP route,
// the ordered body fields that become the argument list, and whether the
// operation mutates ledger state (submit) or not (evaluate).
type binding struct {
	method   string
	path     string
	function string
	evaluate bool
	fields   []string
	pathVar  string
}

var bindings = []binding{
	{method: http.MethodPost, path: "/content", function: "registerContent", fields: []string{"uniqID", "ownerID", "infos", "regDate"}},
	{method: http.MethodGet, path: "/content/{uniqID}", function: "queryContent", evaluate: true, pathVar: "uniqID"},
	{method: http.MethodPost, path: "/production", function: "production", fields: []string{"uniqID", "prodDate"}},
	{method: http.MethodPost, path: "/use", function: "use", fields: []string{"uniqID", "sellerID", "useDate"}},
	{method: http.MethodPost, path: "/allow", function: "allow", fields: []string{"uniqID", "startDate", "expired", "by"}},
	{method: http.MethodPost, path: "/count", function: "count", fields: []string{"uniqID", "date", "sellerID"}},
	{method: http.MethodPost, path: "/check", function: "check", fields: []string{"uniqID", "distID"}},
}

// Dispatcher binds the REST surface to the ledger client. It holds no
// per-request state: every call resolves its identity from the headers and
// passes the ledger's result back verbatim.
type Dispatcher struct {
	Logger      logging.Logger
	Identities  *identity.Cache
	Ledger      *ledger.Client
	Subscribers *events.Subscribers
	Channel     string
	Chaincode   string
}

// Wire registers every gateway endpoint on h.
func (d *Dispatcher) Wire(h *HttpHandler) {
	for _, b := range bindings {
		h.RegisterURI(b.path, b.method, &chaincodeHandler{d: d, b: b})
	}
	h.RegisterURI("/users", http.MethodPost, &userHandler{d: d})
	h.RegisterURI("/subscriptions/restart", http.MethodPost, &restartHandler{d: d})
	h.RegisterURI("/health", http.MethodGet, &healthHandler{})
}

// statusOf maps a gateway failure to an HTTP status: validation failures
// are client errors, identity/ledger failures are server errors.
func statusOf(err error) int {
	switch {
	case gateway.HasCause(err, gateway.ErrMissingIdentityHeader),
		gateway.HasCause(err, gateway.ErrMalformedRequest):
		return http.StatusBadRequest
	case gateway.HasCause(err, gateway.ErrLedgerUnreachable):
		return http.StatusBadGateway
	case gateway.HasCause(err, gateway.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// missingFieldResponse preserves the error body shape of the original
// gateway for request validation failures.
func missingFieldResponse(field string) map[string]interface{} {
	return map[string]interface{}{
		"success": false,
		"message": field + " field is missing or Invalid in the request",
	}
}

type chaincodeHandler struct {
	d *Dispatcher
	b binding
}

func (c *chaincodeHandler) ParsePayload(raw []byte) (interface{}, error) {
	body := map[string]string{}
	if len(raw) != 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, errors.Wrapf(gateway.ErrMalformedRequest, "invalid json body: %s", err)
		}
	}
	return body, nil
}

func (c *chaincodeHandler) HandleRequest(reqCtx *ReqContext) (interface{}, int) {
	d := c.d
	username := reqCtx.Req.Header.Get(headerUsername)
	orgName := reqCtx.Req.Header.Get(headerOrgName)
	if len(username) == 0 || len(orgName) == 0 {
		err := errors.Wrapf(gateway.ErrMissingIdentityHeader, "%s and %s are required", headerUsername, headerOrgName)
		d.Logger.Warnf("[%s %s] %s", c.b.method, c.b.path, err)
		return &ResponseErr{Reason: err.Error()}, statusOf(err)
	}

	args, failedField, err := c.args(reqCtx)
	if err != nil {
		d.Logger.Warnf("[%s %s] %s", c.b.method, c.b.path, err)
		return missingFieldResponse(failedField), statusOf(err)
	}

	ctx := reqCtx.Req.Context()
	id, err := d.Identities.Resolve(ctx, username, orgName, true)
	if err != nil {
		d.Logger.Errorf("[%s %s] identity resolution failed: %s", c.b.method, c.b.path, err)
		return &ResponseErr{Reason: err.Error()}, statusOf(err)
	}

	result, err := c.call(ctx, id, args)
	if err != nil {
		d.Logger.Errorf("[%s %s] %s failed: %s", c.b.method, c.b.path, c.b.function, err)
		return &ResponseErr{Reason: err.Error()}, statusOf(err)
	}
	return result, http.StatusOK
}

func (c *chaincodeHandler) call(ctx context.Context, id *identity.Identity, args []string) (*ledger.TransactionResult, error) {
	if c.b.evaluate {
		return c.d.Ledger.Evaluate(ctx, id, c.d.Channel, c.d.Chaincode, c.b.function, args)
	}
	return c.d.Ledger.Submit(ctx, id, c.d.Channel, c.d.Chaincode, c.b.function, args)
}

// args assembles the ordered argument list for the chaincode function,
// either from the route variable or from the body fields in binding order.
func (c *chaincodeHandler) args(reqCtx *ReqContext) ([]string, string, error) {
	if len(c.b.pathVar) != 0 {
		v := reqCtx.Vars[c.b.pathVar]
		if len(v) == 0 {
			return nil, c.b.pathVar, errors.Wrapf(gateway.ErrMalformedRequest, "missing path parameter [%s]", c.b.pathVar)
		}
		return []string{v}, "", nil
	}

	body, ok := reqCtx.Query.(map[string]string)
	if !ok {
		return nil, "body", errors.Wrap(gateway.ErrMalformedRequest, "unexpected body")
	}
	args := make([]string, 0, len(c.b.fields))
	for _, field := range c.b.fields {
		v, ok := body[field]
		if !ok || len(v) == 0 {
			return nil, field, errors.Wrapf(gateway.ErrMalformedRequest, "missing field [%s]", field)
		}
		args = append(args, v)
	}
	return args, "", nil
}

// userHandler registers and enrolls a user. The first successful creation
// of an identity fires the cache's create trigger, which is wired to start
// the block-event subscription; the handler only reports the resulting
// subscription state. Re-registering an identity returns the cached one and
// leaves the existing subscription untouched.
type userHandler struct {
	d *Dispatcher
}

type userRequest struct {
	Username string `json:"username"`
	OrgName  string `json:"orgName"`
}

type userResponse struct {
	Success      bool   `json:"success"`
	Username     string `json:"username,omitempty"`
	OrgName      string `json:"orgName,omitempty"`
	MSPID        string `json:"mspID,omitempty"`
	Subscription string `json:"subscription,omitempty"`
	Message      string `json:"message,omitempty"`
}

func (u *userHandler) ParsePayload(raw []byte) (interface{}, error) {
	req := &userRequest{}
	if err := json.Unmarshal(raw, req); err != nil {
		return nil, errors.Wrapf(gateway.ErrMalformedRequest, "invalid json body: %s", err)
	}
	return req, nil
}

func (u *userHandler) HandleRequest(reqCtx *ReqContext) (interface{}, int) {
	d := u.d
	req := reqCtx.Query.(*userRequest)
	if len(req.Username) == 0 {
		return missingFieldResponse("username"), http.StatusBadRequest
	}
	if len(req.OrgName) == 0 {
		return missingFieldResponse("orgName"), http.StatusBadRequest
	}

	id, err := d.Identities.Resolve(reqCtx.Req.Context(), req.Username, req.OrgName, true)
	if err != nil {
		d.Logger.Errorf("failed registering user [%s@%s]: %s", req.Username, req.OrgName, err)
		return &userResponse{Success: false, Message: err.Error()}, statusOf(err)
	}

	sub, ok := d.Subscribers.Get(id.Username, id.Organization)
	if !ok {
		// the identity exists but its create trigger could not open the
		// stream; report the failure without undoing the registration
		err := errors.Wrapf(gateway.ErrSubscriptionFailed, "no subscription for [%s]", id.Key())
		d.Logger.Errorf("%s", err)
		return &userResponse{Success: false, Message: err.Error()}, statusOf(err)
	}

	return &userResponse{
		Success:      true,
		Username:     id.Username,
		OrgName:      id.Organization,
		MSPID:        id.MSPID,
		Subscription: sub.State().String(),
	}, http.StatusOK
}

// restartHandler is the operational hook for reopening a closed
// subscription. Restarting a live subscription is refused; a stream that
// died is the only state this recovers from.
type restartHandler struct {
	d *Dispatcher
}

func (r *restartHandler) ParsePayload(raw []byte) (interface{}, error) {
	req := &userRequest{}
	if err := json.Unmarshal(raw, req); err != nil {
		return nil, errors.Wrapf(gateway.ErrMalformedRequest, "invalid json body: %s", err)
	}
	return req, nil
}

func (r *restartHandler) HandleRequest(reqCtx *ReqContext) (interface{}, int) {
	d := r.d
	req := reqCtx.Query.(*userRequest)
	if len(req.Username) == 0 {
		return missingFieldResponse("username"), http.StatusBadRequest
	}
	if len(req.OrgName) == 0 {
		return missingFieldResponse("orgName"), http.StatusBadRequest
	}

	id, err := d.Identities.Resolve(reqCtx.Req.Context(), req.Username, req.OrgName, false)
	if err != nil {
		return &userResponse{Success: false, Message: err.Error()}, statusOf(err)
	}
	sub, err := d.Subscribers.Restart(d.Channel, id)
	if err != nil {
		d.Logger.Errorf("failed restarting subscription for [%s]: %s", id.Key(), err)
		return &userResponse{Success: false, Message: err.Error()}, statusOf(err)
	}
	d.Logger.Infof("subscription for [%s] restarted", id.Key())
	return &userResponse{
		Success:      true,
		Username:     id.Username,
		OrgName:      id.Organization,
		MSPID:        id.MSPID,
		Subscription: sub.State().String(),
	}, http.StatusOK
}

// healthHandler answers unconditionally so orchestration layers can tell
// "process alive" from "ledger reachable".
type healthHandler struct{}

func (h *healthHandler) ParsePayload([]byte) (interface{}, error) {
	return nil, nil
}

func (h *healthHandler) HandleRequest(*ReqContext) (interface{}, int) {
	return map[string]string{"status": "OK"}, http.StatusOK
}
