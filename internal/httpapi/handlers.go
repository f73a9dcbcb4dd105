package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/eldavier/Kiro-sub000/internal/command"
	"github.com/eldavier/Kiro-sub000/internal/errors"
	"github.com/eldavier/Kiro-sub000/internal/pipeline"
	"github.com/eldavier/Kiro-sub000/internal/provider"
	"github.com/eldavier/Kiro-sub000/internal/session"
)

func errInvalidParam(name, value string) error {
	return errors.NewValidationError("invalid " + name).WithField(name).WithValue(value)
}

// --- activity and pool ---

func (a *api) activity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if pid := q.Get("pipeline"); pid != "" {
		writeJSON(w, http.StatusOK, a.bus.ForPipeline(pid))
		return
	}
	var since int64
	if raw := q.Get("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, errInvalidParam("since", raw))
			return
		}
		since = n
	}
	writeJSON(w, http.StatusOK, a.bus.Since(since))
}

func (a *api) poolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.pool.Stats())
}

// --- sessions ---

type createSessionRequest struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Model      string   `json:"model"`
	Provider   string   `json:"provider"`
	Mode       string   `json:"mode"`
	PipelineID string   `json:"pipelineId"`
	Skills     []string `json:"skills"`
}

func (a *api) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.sessions.List())
}

func (a *api) createSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	var opts []session.Option
	if body.Name != "" {
		opts = append(opts, session.WithName(body.Name))
	}
	if body.Model != "" {
		opts = append(opts, session.WithModel(body.Model))
	}
	if body.Provider != "" {
		kind, err := provider.ParseKind(body.Provider)
		if err != nil {
			writeError(w, errors.NewValidationError(err.Error()).WithField("provider"))
			return
		}
		opts = append(opts, session.WithProvider(kind))
	}
	if body.Mode != "" {
		opts = append(opts, session.WithMode(body.Mode))
	}
	if body.PipelineID != "" {
		opts = append(opts, session.WithPipeline(body.PipelineID))
	}
	if len(body.Skills) > 0 {
		opts = append(opts, session.WithSkills(body.Skills...))
	}
	s, err := a.sessions.GetOrCreateE(body.ID, opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *api) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, ok := a.sessions.Get(id)
	if !ok {
		writeError(w, errors.NewNotFoundError("session", id))
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *api) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.sessions.Remove(id) {
		writeError(w, errors.NewNotFoundError("session", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- pipelines ---

type createPipelineRequest struct {
	Goal     string `json:"goal"`
	Context  string `json:"context"`
	Provider string `json:"provider"`
	// Async returns 202 with the pipeline id instead of waiting for the result.
	Async bool `json:"async"`
}

func (a *api) createPipeline(w http.ResponseWriter, r *http.Request) {
	var body createPipelineRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(body.Goal) == "" {
		writeError(w, errors.NewValidationError("goal is required").WithField("goal"))
		return
	}
	req := pipeline.Request{Goal: body.Goal, Context: body.Context}
	if body.Provider != "" {
		kind, err := provider.ParseKind(body.Provider)
		if err != nil {
			writeError(w, errors.NewValidationError(err.Error()).WithField("provider"))
			return
		}
		req.Provider = kind
	}
	if body.Async {
		id := a.pipelines.Launch(r.Context(), req)
		writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
		return
	}
	writeJSON(w, http.StatusOK, a.pipelines.RunPipeline(r.Context(), req))
}

func (a *api) listPipelines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.pipelines.List())
}

func (a *api) getPipeline(w http.ResponseWriter, r *http.Request) {
	st, err := a.pipelines.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) deletePipeline(w http.ResponseWriter, r *http.Request) {
	if err := a.pipelines.Delete(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- commands ---

type submitCommandRequest struct {
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
	Command   string `json:"command"`
	Reason    string `json:"reason"`
	Dir       string `json:"cwd"`
	TimeoutMS int64  `json:"timeoutMs"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type policyRequest struct {
	Mode string `json:"mode"`
}

// detached keeps an approved command running if the client goes away.
func detached(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (a *api) submitCommand(w http.ResponseWriter, r *http.Request) {
	var body submitCommandRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.TimeoutMS < 0 {
		writeError(w, errInvalidParam("timeoutMs", strconv.FormatInt(body.TimeoutMS, 10)))
		return
	}
	entry, err := a.commands.Submit(detached(r), command.Request{
		AgentID:   body.AgentID,
		AgentName: body.AgentName,
		Command:   body.Command,
		Reason:    body.Reason,
		Dir:       body.Dir,
		Timeout:   time.Duration(body.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusOK
	if entry.Status == command.StatusPending {
		code = http.StatusAccepted
	}
	writeJSON(w, code, entry)
}

func (a *api) pendingCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.commands.Pending())
}

func (a *api) commandHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.commands.History())
}

func (a *api) getCommand(w http.ResponseWriter, r *http.Request) {
	entry, err := a.commands.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *api) approveCommand(w http.ResponseWriter, r *http.Request) {
	entry, err := a.commands.Approve(detached(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *api) denyCommand(w http.ResponseWriter, r *http.Request) {
	var body reasonRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	entry, err := a.commands.Deny(r.PathValue("id"), body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *api) cancelCommand(w http.ResponseWriter, r *http.Request) {
	entry, err := a.commands.Cancel(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *api) approveAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.commands.ApproveAll(detached(r)))
}

func (a *api) denyAll(w http.ResponseWriter, r *http.Request) {
	var body reasonRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.commands.DenyAll(body.Reason))
}

func (a *api) getPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":   a.commands.GlobalMode(),
		"agents": a.commands.AgentPolicies(),
	})
}

func (a *api) putPolicy(w http.ResponseWriter, r *http.Request) {
	mode, ok := a.readMode(w, r)
	if !ok {
		return
	}
	if err := a.commands.SetGlobalMode(mode); err != nil {
		writeError(w, err)
		return
	}
	a.getPolicy(w, r)
}

func (a *api) getAgentPolicy(w http.ResponseWriter, r *http.Request) {
	agent := r.PathValue("agent")
	_, override := a.commands.AgentPolicies()[agent]
	writeJSON(w, http.StatusOK, map[string]any{
		"agentId":   agent,
		"mode":      a.commands.EffectivePolicy(agent),
		"overrides": override,
	})
}

func (a *api) putAgentPolicy(w http.ResponseWriter, r *http.Request) {
	mode, ok := a.readMode(w, r)
	if !ok {
		return
	}
	if err := a.commands.SetAgentPolicy(r.PathValue("agent"), mode); err != nil {
		writeError(w, err)
		return
	}
	a.getAgentPolicy(w, r)
}

func (a *api) deleteAgentPolicy(w http.ResponseWriter, r *http.Request) {
	a.commands.ClearAgentPolicy(r.PathValue("agent"))
	a.getAgentPolicy(w, r)
}

func (a *api) readMode(w http.ResponseWriter, r *http.Request) (command.Mode, bool) {
	var body policyRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return "", false
	}
	mode, err := command.ParseMode(body.Mode)
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalidPolicy, err.Error()))
		return "", false
	}
	return mode, true
}
