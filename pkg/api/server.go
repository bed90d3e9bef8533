// Package api exposes the coordinator's job/task/artifact operations over
// JSON-over-HTTP, routed with gorilla/mux in place of the teacher's gRPC+protobuf
// transport: the logical operations are the object here, not the wire encoding, and a
// generated proto package cannot be fabricated for this exercise.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cuemby/crowdcompute/pkg/apierr"
	"github.com/cuemby/crowdcompute/pkg/artifact"
	"github.com/cuemby/crowdcompute/pkg/dispatcher"
	"github.com/cuemby/crowdcompute/pkg/log"
	"github.com/cuemby/crowdcompute/pkg/metrics"
	"github.com/cuemby/crowdcompute/pkg/registry"
	"github.com/cuemby/crowdcompute/pkg/sharding"
	"github.com/cuemby/crowdcompute/pkg/types"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Server wires the registry, dispatcher, and artifact store into a routed HTTP handler.
type Server struct {
	reg    *registry.Registry
	disp   *dispatcher.Dispatcher
	store  *artifact.Store
	logger zerolog.Logger
	router *mux.Router
}

// New builds a Server and registers all routes.
func New(reg *registry.Registry, disp *dispatcher.Dispatcher, store *artifact.Store) *Server {
	s := &Server{
		reg:    reg,
		disp:   disp,
		store:  store,
		logger: log.WithComponent("api"),
		router: mux.NewRouter(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	s.router.HandleFunc("/jobs/{job_id}", s.handleGetJob).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs/{job_id}/cancel", s.handleCancelJob).Methods(http.MethodPost)
	s.router.HandleFunc("/jobs/{job_id}/artifacts/{name}", s.handleDownloadArtifact).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs/{job_id}/artifacts/{name}", s.handleUploadArtifact).Methods(http.MethodPut)
	s.router.HandleFunc("/tasks/claim", s.handleClaimTask).Methods(http.MethodPost)
	s.router.HandleFunc("/tasks/{task_id}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	s.router.HandleFunc("/tasks/{task_id}/report", s.handleReportTask).Methods(http.MethodPost)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", metrics.ReadyHandler()).Methods(http.MethodGet)
	s.router.HandleFunc("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
}

type submitJobRequest struct {
	Shape        types.JobShape    `json:"shape"`
	MapPlugin    string            `json:"map_plugin"`
	ReducePlugin string            `json:"reduce_plugin,omitempty"`
	Shards       int               `json:"shards,omitempty"`
	Params       map[string]string `json:"params,omitempty"`
	Inputs       map[string]string `json:"inputs"`
}

type submitJobResponse struct {
	JobID string `json:"job_id"`
}

// handleSubmitJob creates the job first (to mint its id), then stages every declared
// input as a finalized artifact under that id before returning it to the caller.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apierr.ErrBadRequest)
		return
	}
	if req.Shape == types.JobShapeMapReduce && (req.ReducePlugin == "" || req.Shards < 1) {
		s.writeError(w, apierr.ErrBadRequest)
		return
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.APIRequestDuration, "submit_job")

	specs, shardContents, err := s.buildTaskSpecs(req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	job, err := s.reg.CreateJob("", req.Shape, req.MapPlugin, req.ReducePlugin, req.Shards, req.Params, specs)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.stageInputs(job.ID, req.Inputs, shardContents); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, submitJobResponse{JobID: job.ID})
}

// buildTaskSpecs derives the task list for the job. For map_reduce jobs it shards
// "input.txt" by line and returns the shard contents so stageInputs can write them
// under the names the map tasks expect.
func (s *Server) buildTaskSpecs(req submitJobRequest) ([]registry.TaskSpec, map[string][]byte, error) {
	if req.Shape == types.JobShapeSingle {
		return []registry.TaskSpec{{
			Kind:            types.TaskKindSingle,
			PluginKind:      req.MapPlugin,
			Inputs:          keysOf(req.Inputs),
			ExpectedOutputs: []string{"result.txt"},
			Params:          req.Params,
		}}, nil, nil
	}

	raw, ok := req.Inputs["input.txt"]
	if !ok {
		return nil, nil, apierr.ErrBadRequest
	}
	shards, err := sharding.ByLines([]byte(raw), req.Shards)
	if err != nil {
		return nil, nil, apierr.ErrBadRequest
	}

	specs := make([]registry.TaskSpec, 0, len(shards))
	contents := make(map[string][]byte, len(shards))
	for _, shard := range shards {
		name := sharding.Name(shard.Index, len(shards))
		specs = append(specs, registry.TaskSpec{
			Kind:            types.TaskKindMap,
			ShardIndex:      shard.Index,
			HasShardIndex:   true,
			PluginKind:      req.MapPlugin,
			Inputs:          []string{name},
			ExpectedOutputs: []string{"sorted-" + name},
			Params:          req.Params,
		})
		contents[name] = shard.Data
	}
	return specs, contents, nil
}

func (s *Server) stageInputs(jobID string, rawInputs map[string]string, shardContents map[string][]byte) error {
	if err := s.store.EnsureJob(jobID); err != nil {
		return err
	}
	for name, content := range shardContents {
		if _, err := s.store.Put(jobID, name, content); err != nil {
			return err
		}
	}
	for name, content := range rawInputs {
		if name == "input.txt" && len(shardContents) > 0 {
			continue // sharded away, not itself an input any task reads
		}
		if _, err := s.store.Put(jobID, name, []byte(content)); err != nil {
			return err
		}
	}
	return nil
}

func keysOf(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

type getJobResponse struct {
	State           types.JobState      `json:"state"`
	TaskSummaries   []types.TaskSummary `json:"task_summaries"`
	FinalOutputName string              `json:"final_output_name,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	job, summaries, err := s.reg.GetJob(jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, getJobResponse{
		State:           job.State,
		TaskSummaries:   summaries,
		FinalOutputName: job.FinalOutput,
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	if err := s.reg.CancelJob(jobID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	data, _, err := s.store.Get(vars["job_id"], vars["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) handleUploadArtifact(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, apierr.ErrBadRequest)
		return
	}
	if _, err := s.store.Put(vars["job_id"], vars["name"], data); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type claimTaskRequest struct {
	WorkerID string `json:"worker_id"`
}

type claimTaskResponse struct {
	TaskID          string            `json:"task_id"`
	JobID           string            `json:"job_id"`
	PluginKind      string            `json:"plugin_kind"`
	Inputs          []string          `json:"inputs"`
	ExpectedOutputs []string          `json:"expected_outputs"`
	Params          map[string]string `json:"params,omitempty"`
}

func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	var req claimTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		s.writeError(w, apierr.ErrBadRequest)
		return
	}

	task, ok := s.disp.Claim(req.WorkerID)
	if !ok {
		metrics.APIRequestsTotal.WithLabelValues("claim_task", "204").Inc()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	metrics.APIRequestsTotal.WithLabelValues("claim_task", "200").Inc()
	s.writeJSON(w, http.StatusOK, claimTaskResponse{
		TaskID:          task.ID,
		JobID:           task.JobID,
		PluginKind:      task.PluginKind,
		Inputs:          task.Inputs,
		ExpectedOutputs: task.ExpectedOutputs,
		Params:          task.Params,
	})
}

type heartbeatRequest struct {
	WorkerID string `json:"worker_id"`
}

type heartbeatResponse struct {
	Status registry.HeartbeatStatus `json:"status"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apierr.ErrBadRequest)
		return
	}

	status, err := s.disp.Heartbeat(req.WorkerID, taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, heartbeatResponse{Status: status})
}

type reportTaskRequest struct {
	WorkerID  string   `json:"worker_id"`
	Success   bool     `json:"success"`
	Outputs   []string `json:"outputs,omitempty"`
	ErrorKind string   `json:"error_kind,omitempty"`
	Detail    string   `json:"detail,omitempty"`
}

func (s *Server) handleReportTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]
	var req reportTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apierr.ErrBadRequest)
		return
	}

	outcome := types.OutcomeFailure
	errKind, detail := req.ErrorKind, req.Detail
	if req.Success {
		outcome = types.OutcomeSuccess
		// A reported success must have actually landed in the artifact store: a
		// worker that reports outputs it never uploaded must not be allowed to mark
		// the task (and, cascading, the job) Succeeded.
		if jobID, ok := s.reg.TaskJobID(taskID); ok {
			if missing := s.firstMissingOutput(jobID, req.Outputs); missing != "" {
				outcome = types.OutcomeFailure
				errKind = types.ErrKindOutputMissing
				detail = fmt.Sprintf("artifact %q was reported but never uploaded", missing)
			}
		}
	}
	if err := s.disp.Report(req.WorkerID, taskID, outcome, req.Outputs, errKind, detail); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// firstMissingOutput returns the first name in names not present in jobID's artifact
// store, or "" if all are present.
func (s *Server) firstMissingOutput(jobID string, names []string) string {
	for _, name := range names {
		if _, _, err := s.store.Get(jobID, name); err != nil {
			return name
		}
	}
	return ""
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apierr.StatusFor(err)
	s.logger.Error().Err(err).Int("status", status).Msg("request failed")
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
