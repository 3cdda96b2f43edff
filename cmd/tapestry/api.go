// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/teradata-labs/tapestry/pkg/events"
	"github.com/teradata-labs/tapestry/pkg/mission"
	"github.com/teradata-labs/tapestry/pkg/scheduler"
	"github.com/teradata-labs/tapestry/pkg/storage"
	"github.com/teradata-labs/tapestry/pkg/types"
	"go.uber.org/zap"
)

// defaultListLimit bounds list responses when the client sets none.
const defaultListLimit = 50

// api is the HTTP surface over the mission service and the scheduler.
type api struct {
	missions    *mission.Service
	scheduler   *scheduler.Scheduler
	broadcaster *events.Broadcaster
	logger      *zap.Logger
}

func newAPI(missions *mission.Service, sched *scheduler.Scheduler, broadcaster *events.Broadcaster, logger *zap.Logger) *api {
	return &api{
		missions:    missions,
		scheduler:   sched,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/missions", a.createMission)
	mux.HandleFunc("GET /v1/missions", a.listMissions)
	mux.HandleFunc("GET /v1/missions/{id}", a.getMission)
	mux.HandleFunc("POST /v1/missions/{id}/pause", a.pauseMission)
	mux.HandleFunc("POST /v1/missions/{id}/resume", a.resumeMission)
	mux.HandleFunc("POST /v1/missions/{id}/checkpoints/{checkpointID}", a.approveCheckpoint)

	mux.HandleFunc("POST /v1/schedules", a.createSchedule)
	mux.HandleFunc("GET /v1/schedules", a.listSchedules)
	mux.HandleFunc("GET /v1/schedules/{id}", a.getSchedule)
	mux.HandleFunc("DELETE /v1/schedules/{id}", a.deleteSchedule)
	mux.HandleFunc("POST /v1/schedules/{id}/pause", a.pauseSchedule)
	mux.HandleFunc("POST /v1/schedules/{id}/resume", a.resumeSchedule)
	mux.HandleFunc("POST /v1/schedules/{id}/trigger", a.triggerSchedule)

	mux.Handle("GET /v1/events", a.broadcaster)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}

type createMissionRequest struct {
	ProjectID  string     `json:"project_id"`
	WorkflowID string     `json:"workflow_id"`
	WSJF       types.WSJF `json:"wsjf"`

	// Start defaults to true; false leaves the mission queued until an
	// explicit resume.
	Start *bool `json:"start,omitempty"`
}

func (a *api) createMission(w http.ResponseWriter, r *http.Request) {
	var req createMissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProjectID == "" || req.WorkflowID == "" {
		writeError(w, http.StatusBadRequest, "project_id and workflow_id are required")
		return
	}

	m, err := a.missions.CreateMission(r.Context(), req.ProjectID, req.WorkflowID, req.WSJF)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	if req.Start == nil || *req.Start {
		if err := a.missions.StartMission(r.Context(), m.ID); err != nil {
			a.writeServiceError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, m)
}

func (a *api) listMissions(w http.ResponseWriter, r *http.Request) {
	var statuses []types.MissionStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, types.MissionStatus(strings.TrimSpace(s)))
		}
	}
	limit := queryInt(r, "limit", defaultListLimit)
	offset := queryInt(r, "offset", 0)

	missions, err := a.missions.ListMissions(r.Context(), statuses, limit, offset)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"missions": missions})
}

func (a *api) getMission(w http.ResponseWriter, r *http.Request) {
	view, err := a.missions.GetMission(r.Context(), r.PathValue("id"), queryInt(r, "events", 20))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *api) pauseMission(w http.ResponseWriter, r *http.Request) {
	if err := a.missions.PauseMission(r.Context(), r.PathValue("id")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pausing"})
}

func (a *api) resumeMission(w http.ResponseWriter, r *http.Request) {
	if err := a.missions.ResumeMission(r.Context(), r.PathValue("id")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resuming"})
}

type approveRequest struct {
	Decision  string `json:"decision"`
	DecidedBy string `json:"decided_by"`
}

func (a *api) approveCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Decision != mission.DecisionAccept && req.Decision != mission.DecisionReject {
		writeError(w, http.StatusBadRequest, "decision must be accept or reject")
		return
	}
	err := a.missions.ApproveCheckpoint(r.Context(),
		r.PathValue("id"), r.PathValue("checkpointID"), req.Decision, req.DecidedBy)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"decision": req.Decision})
}

func (a *api) createSchedule(w http.ResponseWriter, r *http.Request) {
	var sc storage.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sc.Enabled = true
	if err := a.scheduler.AddSchedule(r.Context(), &sc); err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &sc)
}

func (a *api) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := a.scheduler.ListSchedules(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"schedules": schedules})
}

func (a *api) getSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := a.scheduler.GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (a *api) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := a.scheduler.RemoveSchedule(r.Context(), r.PathValue("id")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) pauseSchedule(w http.ResponseWriter, r *http.Request) {
	if err := a.scheduler.PauseSchedule(r.Context(), r.PathValue("id")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (a *api) resumeSchedule(w http.ResponseWriter, r *http.Request) {
	if err := a.scheduler.ResumeSchedule(r.Context(), r.PathValue("id")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (a *api) triggerSchedule(w http.ResponseWriter, r *http.Request) {
	missionID, err := a.scheduler.TriggerNow(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"mission_id": missionID})
}

// writeServiceError maps service errors onto HTTP statuses by message
// shape. Anything unrecognized is a 500.
func (a *api) writeServiceError(w http.ResponseWriter, err error) {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not found") || strings.Contains(msg, "unknown"):
		writeError(w, http.StatusNotFound, msg)
	case strings.Contains(msg, "already") || strings.Contains(msg, "still live") ||
		strings.Contains(msg, "terminal") || strings.Contains(msg, "awaits"):
		writeError(w, http.StatusConflict, msg)
	case strings.Contains(msg, "required") || strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "must be"):
		writeError(w, http.StatusBadRequest, msg)
	default:
		a.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
