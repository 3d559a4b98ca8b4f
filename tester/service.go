// Package tester provides a REST driver over the engine API for
// integration testing, not a production transport.
package tester

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/wfnet/engine/engine"
	"github.com/wfnet/engine/instance"
	"github.com/wfnet/engine/support/log"
)

// RestCaseTester is the REST implementation of the engine test driver.
type RestCaseTester struct {
	eng    *engine.Engine
	server *Server
	logger log.Logger
}

// NewRestCaseTester wires a test service around an engine.
func NewRestCaseTester(eng *engine.Engine, addr string) *RestCaseTester {

	ct := &RestCaseTester{
		eng:    eng,
		logger: log.ChildLogger("tester"),
	}

	// the action verbs are static routes; the per-case routes live under
	// their own prefix so the :id wildcard cannot conflict with them
	router := httprouter.New()
	router.OPTIONS("/case/launch", handleOption)
	router.POST("/case/launch", ct.LaunchCase)

	router.OPTIONS("/case/restore", handleOption)
	router.POST("/case/restore", ct.RestoreCase)

	router.GET("/cases/:id", ct.GetCase)
	router.GET("/cases/:id/items", ct.GetItems)
	router.POST("/cases/:id/cancel", ct.CancelCase)
	router.POST("/cases/:id/marshal", ct.MarshalCase)
	router.POST("/cases/:id/unload", ct.UnloadCase)

	router.OPTIONS("/item/start", handleOption)
	router.POST("/item/start", ct.itemOp(func(req *ItemRequest) error {
		return eng.StartWorkItem(req.CaseID, req.ItemID)
	}))
	router.OPTIONS("/item/complete", handleOption)
	router.POST("/item/complete", ct.itemOp(func(req *ItemRequest) error {
		return eng.CompleteWorkItem(req.CaseID, req.ItemID, req.Data)
	}))
	router.OPTIONS("/item/cancel", handleOption)
	router.POST("/item/cancel", ct.itemOp(func(req *ItemRequest) error {
		return eng.CancelWorkItem(req.CaseID, req.ItemID)
	}))
	router.OPTIONS("/item/suspend", handleOption)
	router.POST("/item/suspend", ct.itemOp(func(req *ItemRequest) error {
		return eng.SuspendWorkItem(req.CaseID, req.ItemID)
	}))
	router.OPTIONS("/item/resume", handleOption)
	router.POST("/item/resume", ct.itemOp(func(req *ItemRequest) error {
		return eng.ResumeWorkItem(req.CaseID, req.ItemID)
	}))

	router.GET("/status", ct.Status)

	ct.server = NewServer(addr, router)
	return ct
}

// Start starts the http server.
func (ct *RestCaseTester) Start() error {
	return ct.server.Start()
}

// Stop stops the http server.
func (ct *RestCaseTester) Stop() error {
	return ct.server.Stop()
}

func handleOption(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	w.Header().Add("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "*")
	w.Header().Add("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Content-Type", "application/json")
}

// LaunchCase starts a new case (POST "/case/launch").
//
// To launch a case, try this at a shell:
// $ curl -H "Content-Type: application/json" -X POST -d '{"specId":"orders"}' http://localhost:8080/case/launch
func (ct *RestCaseTester) LaunchCase(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {

	req := &LaunchRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	caseID, err := ct.eng.LaunchCase(req.SpecID, req.Version, req.CaseID, req.Data)
	if err != nil {
		ct.writeError(w, err)
		return
	}

	ct.logger.Debugf("launched case [ID:%s] for spec %s", caseID, req.SpecID)
	ct.writeJSON(w, &IDResponse{ID: caseID})
}

// RestoreCase rebuilds a case from a snapshot (POST "/case/restore").
// The request body is the snapshot document itself.
func (ct *RestCaseTester) RestoreCase(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {

	snapshot, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	caseID, err := ct.eng.RestoreCase(snapshot)
	if err != nil {
		ct.writeError(w, err)
		return
	}

	ct.logger.Debugf("restored case [ID:%s]", caseID)
	ct.writeJSON(w, &IDResponse{ID: caseID})
}

// GetCase reports a case's status and data (GET "/cases/:id").
func (ct *RestCaseTester) GetCase(w http.ResponseWriter, r *http.Request, p httprouter.Params) {

	c, err := ct.eng.GetCase(p.ByName("id"))
	if err != nil {
		ct.writeError(w, err)
		return
	}
	ct.writeJSON(w, &CaseResponse{
		ID:     c.ID(),
		Status: c.Status().String(),
		Data:   c.Data(),
	})
}

// GetItems lists the work items of a case (GET "/cases/:id/items").
func (ct *RestCaseTester) GetItems(w http.ResponseWriter, r *http.Request, p httprouter.Params) {

	c, err := ct.eng.GetCase(p.ByName("id"))
	if err != nil {
		ct.writeError(w, err)
		return
	}

	items := c.ListItems()
	out := make([]*ItemResponse, 0, len(items))
	for _, wi := range items {
		out = append(out, toItemResponse(wi))
	}
	ct.writeJSON(w, out)
}

// CancelCase terminates a case (POST "/cases/:id/cancel").
func (ct *RestCaseTester) CancelCase(w http.ResponseWriter, r *http.Request, p httprouter.Params) {

	if err := ct.eng.CancelCase(p.ByName("id")); err != nil {
		ct.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// MarshalCase serializes a case without disturbing it
// (POST "/cases/:id/marshal").
func (ct *RestCaseTester) MarshalCase(w http.ResponseWriter, r *http.Request, p httprouter.Params) {

	snapshot, err := ct.eng.MarshalCase(p.ByName("id"))
	if err != nil {
		ct.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(snapshot)
}

// UnloadCase snapshots and evicts a case (POST "/cases/:id/unload").
func (ct *RestCaseTester) UnloadCase(w http.ResponseWriter, r *http.Request, p httprouter.Params) {

	snapshot, err := ct.eng.UnloadCase(p.ByName("id"))
	if err != nil {
		ct.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(snapshot)
}

// Status is a basic health check for the server to determine if it is up.
func (ct *RestCaseTester) Status(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Add("Access-Control-Allow-Origin", "*")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (ct *RestCaseTester) itemOp(op func(req *ItemRequest) error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		req := &ItemRequest{}
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := op(req); err != nil {
			ct.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (ct *RestCaseTester) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Add("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		ct.logger.Errorf("unable to encode response: %v", err)
	}
}

func (ct *RestCaseTester) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, engine.ErrUnknownCase), errors.Is(err, instance.ErrUnknownWorkItem):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrDuplicateCase):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrShutdown):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
