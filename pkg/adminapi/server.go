// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package adminapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/gorilla/mux"
	"github.com/oapi-codegen/runtime"
	"github.com/perimeterx/marshmallow"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	slurmscheduler "github.com/jontk/slurm-scheduler"
	"github.com/jontk/slurm-scheduler/internal/scheduler"
	slurmerrors "github.com/jontk/slurm-scheduler/pkg/errors"
	"github.com/jontk/slurm-scheduler/pkg/logging"
)

var errJobNotFound = errors.New("job not found")

// Server is the admin HTTP surface over a *slurmscheduler.Scheduler (spec
// §6 "Exposed to the rest of the system").
type Server struct {
	sched    *slurmscheduler.Scheduler
	router   *mux.Router
	validate routers.Router
	printer  *message.Printer
	logger   logging.Logger
}

// NewServer builds a Server and registers its routes. validate may be nil
// to skip OpenAPI request validation (e.g. in tests exercising a single
// handler directly).
func NewServer(sched *slurmscheduler.Scheduler, validate routers.Router, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	s := &Server{
		sched:    sched,
		router:   mux.NewRouter(),
		validate: validate,
		printer:  message.NewPrinter(language.English),
		logger:   logger,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/v1/queue", s.handleBuildJobQueue).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/schedule", s.handleSchedule).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/jobs/{job_id}/start-data", s.handleJobStartData).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/jobs/{job_id}/dependency", s.handleUpdateJobDependency).Methods(http.MethodPut)
	s.router.HandleFunc("/v1/jobs/{job_id}/dependency", s.handleTestJobDependency).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/jobs/{job_id}/features", s.handleBuildFeatureList).Methods(http.MethodPut)
}

// validateRequest checks r against the embedded OpenAPI document before a
// handler runs its own body decoding. A nil Server.validate (tests only)
// skips the check entirely.
func (s *Server) validateRequest(r *http.Request) error {
	if s.validate == nil {
		return nil
	}
	route, pathParams, err := s.validate.FindRoute(r)
	if err != nil {
		return err
	}
	return openapi3filter.ValidateRequest(r.Context(), &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathJobID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["job_id"], 10, 64)
}

func (s *Server) handleBuildJobQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.validateRequest(r); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var clearStart bool
	if err := runtime.BindQueryParameter("form", true, false, "clear_start", r.URL.Query(), &clearStart); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var filter scheduler.QueueFilter
	bindOptionalInt32(r.URL.Query(), "user_id", &filter.UserID)
	filter.Name = r.URL.Query().Get("name")

	entries := s.sched.BuildJobQueue(clearStart, filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   s.printer.Sprintf("%d", len(entries)),
		"entries": entries,
	})
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.validateRequest(r); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var jobLimit int
	if err := runtime.BindQueryParameter("form", true, false, "job_limit", r.URL.Query(), &jobLimit); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	started, err := s.sched.Schedule(r.Context(), jobLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"started": s.printer.Sprintf("%d", started)})
}

func (s *Server) handleJobStartData(w http.ResponseWriter, r *http.Request) {
	if err := s.validateRequest(r); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	jobID, err := pathJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job, ok := s.sched.Context.Jobs.Get(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, errJobNotFound)
		return
	}

	resp, err := s.sched.JobStartData(r.Context(), scheduler.WillRunRequest{Job: job})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdateJobDependency(w http.ResponseWriter, r *http.Request) {
	if err := s.validateRequest(r); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	jobID, err := pathJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job, ok := s.sched.Context.Jobs.Get(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, errJobNotFound)
		return
	}

	var body struct {
		Dependency string `json:"dependency"`
	}
	if err := decodeLenient(r, &body, s.logger); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.sched.UpdateJobDependency(job, body.Dependency, false); err != nil {
		status := http.StatusBadRequest
		if slurmerrors.GetErrorCode(err) == slurmerrors.ErrorCodeCircularDependency {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"dependency": job.DependencyText})
}

func (s *Server) handleTestJobDependency(w http.ResponseWriter, r *http.Request) {
	if err := s.validateRequest(r); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	jobID, err := pathJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job, ok := s.sched.Context.Jobs.Get(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, errJobNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(s.sched.TestJobDependency(job))})
}

func (s *Server) handleBuildFeatureList(w http.ResponseWriter, r *http.Request) {
	if err := s.validateRequest(r); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	jobID, err := pathJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job, ok := s.sched.Context.Jobs.Get(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, errJobNotFound)
		return
	}

	var body struct {
		Constraint string `json:"constraint"`
	}
	if err := decodeLenient(r, &body, s.logger); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job.Resources.FeatureExpr = body.Constraint

	if err := s.sched.BuildFeatureList(job); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"features": job.Resources.FeatureList})
}

// decodeLenient decodes r's JSON body into dst with marshmallow, tolerating
// unknown fields (a caller running an older/newer client) rather than
// rejecting the request outright; any unrecognized keys are logged so an
// operator notices a drifting client.
func decodeLenient(r *http.Request, dst any, logger logging.Logger) error {
	defer r.Body.Close()

	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}

	extra, err := marshmallow.Unmarshal(buf, dst)
	if err != nil {
		return err
	}
	if len(extra) > 0 {
		logger.Warn("request body carried unrecognized fields", "fields", extra)
	}
	return nil
}

// bindOptionalInt32 sets *dst from query's key when present, leaving *dst
// untouched (zero value) otherwise — user_id=0 and "absent" are
// indistinguishable at the query-string layer, which matches QueueFilter's
// own zero-value-means-unset convention.
func bindOptionalInt32(query url.Values, key string, dst *int32) {
	v := query.Get(key)
	if v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return
	}
	*dst = int32(n)
}
