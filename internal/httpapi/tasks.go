package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/agents"
	"github.com/fathomlab/fathom/internal/auth"
	"github.com/fathomlab/fathom/internal/db"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/policy"
	"github.com/fathomlab/fathom/internal/workflows"
)

const (
	defaultHistoryLimit = 10
	maxHistoryLimit     = 100
)

// submitRequest is the expected payload for task submission.
type submitRequest struct {
	Query  string            `json:"query"`
	Config models.TaskConfig `json:"config"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.logger.Warn("Submit decode error", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := models.ValidateQuery(req.Query); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.classifier != nil {
		queryType, _ := s.classifier.Classify(r.Context(), req.Query)
		if queryType != agents.QueryResearch {
			response, _ := s.classifier.SimpleResponse(r.Context(), req.Query, queryType)
			refusal := &agents.NonResearchQueryError{Type: queryType, Response: response}
			s.logger.Info("Submission refused by classifier",
				zap.String("query_type", string(queryType)))
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":      refusal.Error(),
				"query_type": queryType,
				"response":   response,
			})
			return
		}
	}

	if s.policy != nil && s.policy.Enabled() {
		input := &policy.Input{
			Stage:       policy.StageSubmission,
			Query:       req.Query,
			AutoApprove: req.Config.AutoApprove,
			UserID:      callerName(r),
		}
		decision, err := s.policy.Evaluate(r.Context(), input)
		if err != nil {
			s.logger.Warn("Submission policy evaluation failed", zap.Error(err))
		}
		if decision != nil && !decision.Allow {
			s.logger.Info("Submission denied by policy",
				zap.String("reason", decision.Reason),
				zap.String("user", callerName(r)))
			writeError(w, http.StatusForbidden, decision.Reason)
			return
		}
	}

	task, err := s.orchestrator.Start(req.Query, req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("Task submitted",
		zap.String("task_id", task.ID),
		zap.Bool("auto_approve", task.Config.AutoApprove))
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "task id required")
		return
	}

	if task, ok := s.sessions.Snapshot(id); ok {
		writeJSON(w, http.StatusOK, task)
		return
	}

	// Evicted or pre-restart tasks may still exist in the store.
	if s.store != nil {
		task, err := s.store.Get(r.Context(), id)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, task)
			return
		case !errors.Is(err, db.ErrNotFound):
			s.logger.Error("Task lookup failed", zap.String("task_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "task lookup failed")
			return
		}
	}
	writeError(w, http.StatusNotFound, "task not found")
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, err := s.orchestrator.Deliver(id, models.CancelTask{})
	if err != nil {
		if errors.Is(err, workflows.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("Cancel delivery failed", zap.String("task_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultHistoryLimit)
	offset := queryInt(r, "offset", 0)
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	var summaries []models.TaskSummary
	if s.store != nil {
		tasks, err := s.store.History(r.Context(), limit, offset)
		if err != nil {
			s.logger.Error("History query failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "history query failed")
			return
		}
		summaries = make([]models.TaskSummary, 0, len(tasks))
		for _, t := range tasks {
			summaries = append(summaries, t.Summary())
		}
	} else {
		summaries = s.sessions.Summaries(limit, offset)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":  summaries,
		"count":  len(summaries),
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	body := new(bytes.Buffer)
	if _, err := body.ReadFrom(r.Body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	decision, err := parseDecision(body.Bytes())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.orchestrator.Deliver(id, decision)
	if err != nil {
		if errors.Is(err, workflows.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("Decision delivery failed",
			zap.String("task_id", id),
			zap.String("decision", decision.Kind()),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "decision delivery failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// decisionMessage is the wire form of an inbound decision, shared by the REST
// endpoint and the WebSocket channel.
type decisionMessage struct {
	Type     string       `json:"type"`
	Approved *bool        `json:"approved,omitempty"`
	Feedback string       `json:"feedback,omitempty"`
	Plan     *models.Plan `json:"plan,omitempty"`
}

// parseDecision maps a wire message to its typed decision. Approved defaults
// to true so a bare approve_plan message approves; rejections must say
// approved=false explicitly.
func parseDecision(data []byte) (models.Decision, error) {
	var msg decisionMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("invalid decision payload: %w", err)
	}

	switch msg.Type {
	case models.DecisionApprove:
		approved := true
		if msg.Approved != nil {
			approved = *msg.Approved
		}
		return models.ApprovePlan{Approved: approved, Feedback: msg.Feedback}, nil
	case models.DecisionModify:
		return models.ModifyPlan{Plan: msg.Plan}, nil
	case models.DecisionCancel:
		return models.CancelTask{}, nil
	default:
		return nil, fmt.Errorf("unknown decision type %q", msg.Type)
	}
}

func callerName(r *http.Request) string {
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		return p.Name
	}
	return ""
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
