package httpapi

import (
	"net/http"

	"github.com/swarmos/swarmos/internal/dispatch"
	"github.com/swarmos/swarmos/internal/swarmtypes"
)

// ControllerAPI serves the Dispatch Controller's HTTP surface.
type ControllerAPI struct {
	c   *dispatch.Controller
	ws  http.Handler // websocket notify hub, optional
	mux *http.ServeMux
}

// NewControllerAPI builds the controller router. ws may be nil when the
// push channel is disabled (workers then poll only).
func NewControllerAPI(c *dispatch.Controller, ws http.Handler) *ControllerAPI {
	a := &ControllerAPI{c: c, ws: ws, mux: http.NewServeMux()}
	a.mux.HandleFunc("/jobs/submit", a.submit)
	a.mux.HandleFunc("/jobs/claim", a.claim)
	a.mux.HandleFunc("/jobs/", a.jobRoutes)
	a.mux.HandleFunc("/workers/register", a.register)
	a.mux.HandleFunc("/workers/heartbeat", a.heartbeat)
	a.mux.HandleFunc("/workers", a.workers)
	a.mux.HandleFunc("/epochs/current", a.currentEpoch)
	a.mux.HandleFunc("/epochs/seal", a.sealEpoch)
	if ws != nil {
		a.mux.Handle("/ws", ws)
	}
	return a
}

func (a *ControllerAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *ControllerAPI) submit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req swarmtypes.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := a.c.Submit(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *ControllerAPI) claim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req swarmtypes.ClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	job, err := a.c.Claim(req.Worker)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, swarmtypes.ClaimResponse{Job: job})
}

// jobRoutes handles GET /jobs/{id}, POST /jobs/{id}/complete and
// POST /jobs/{id}/fail.
func (a *ControllerAPI) jobRoutes(w http.ResponseWriter, r *http.Request) {
	_, rest := shift(r.URL.Path) // strip "jobs"
	jobID, rest := shift(rest)
	if jobID == "" {
		notFound(w)
		return
	}

	switch rest {
	case "/":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		job, err := a.c.Job(jobID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)

	case "/complete":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req swarmtypes.CompleteRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if err := a.c.Complete(jobID, req); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, swarmtypes.AckResponse{OK: true})

	case "/fail":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req swarmtypes.FailRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if err := a.c.Fail(jobID, req); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, swarmtypes.AckResponse{OK: true})

	default:
		notFound(w)
	}
}

func (a *ControllerAPI) register(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req swarmtypes.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	info, err := a.c.RegisterWorker(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *ControllerAPI) heartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req swarmtypes.HeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, err := a.c.Heartbeat(req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, swarmtypes.AckResponse{OK: true})
}

func (a *ControllerAPI) workers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, a.c.Workers())
}

func (a *ControllerAPI) currentEpoch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, a.c.CurrentEpoch())
}

// sealEpoch is the operator trigger for epoch rotation and sealing.
func (a *ControllerAPI) sealEpoch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	req, err := a.c.SealCurrentEpoch()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
