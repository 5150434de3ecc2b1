package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"clipdeck/core/storeclient"
	"clipdeck/logger"
	"clipdeck/model"
	"clipdeck/storage"
)

// ListAssetsHandler GET /assets?projectId=
func (s *Server) ListAssetsHandler(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("projectId")
	if !allowedProject(r.Context(), projectID) {
		writeError(w, http.StatusForbidden, "Token is not valid for this project", "")
		return
	}
	list, err := s.store.Assets.ListByProject(r.Context(), projectID)
	if err != nil {
		logger.Error("list assets failed", logger.String("project", projectID), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
		return
	}
	if list == nil {
		list = []model.Asset{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"assets": list})
}

// CreateAssetHandler POST /assets 登记一个已上传到对象存储的素材
func (s *Server) CreateAssetHandler(w http.ResponseWriter, r *http.Request) {
	var a model.Asset
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "")
		return
	}
	a.Name = strings.TrimSpace(a.Name)
	if a.ProjectID == "" || a.Name == "" {
		writeError(w, http.StatusBadRequest, "projectId and name are required", "")
		return
	}
	if !allowedProject(r.Context(), a.ProjectID) {
		writeError(w, http.StatusForbidden, "Token is not valid for this project", "")
		return
	}
	if model.ClassifyAssetID(a.ID) != model.AssetRegular {
		writeError(w, http.StatusBadRequest, "Reserved asset id prefix", "")
		return
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.ObjectKey = storage.ObjectKey(a.ProjectID, a.ID, a.Name)

	if err := s.store.Assets.Create(r.Context(), &a); err != nil {
		logger.Error("create asset failed", logger.String("asset", a.ID), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
		return
	}
	logger.Info("asset created",
		logger.String("asset", a.ID),
		logger.String("project", a.ProjectID),
		logger.String("key", a.ObjectKey))
	writeJSON(w, http.StatusCreated, a)
}

// AssetURLHandler GET /assets/{id}/url
func (s *Server) AssetURLHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	u, err := s.ResolveURL(r.Context(), id)
	if err != nil {
		var degraded *storeclient.DegradedError
		switch {
		case errors.As(err, &degraded):
			writeJSON(w, http.StatusServiceUnavailable, storeclient.ErrorPayload{
				Error:   "Service degraded",
				Code:    degraded.Code,
				Message: degraded.Message,
			})
		case errors.Is(err, storeclient.ErrNotFound):
			writeError(w, http.StatusNotFound, "Asset not found", "")
		default:
			logger.Error("resolve asset url failed", logger.String("asset", id), logger.ErrorField(err))
			writeError(w, http.StatusInternalServerError, "Internal server error", "")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": u})
}

// DeleteAssetHandler DELETE /assets/{id}：删除对象和记录，引用它的片段变为缺失
func (s *Server) DeleteAssetHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	a, err := s.store.Assets.GetByID(ctx, id)
	if err != nil {
		logger.Error("load asset failed", logger.String("asset", id), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
		return
	}
	if a == nil {
		writeError(w, http.StatusNotFound, "Asset not found", "")
		return
	}
	if !allowedProject(ctx, a.ProjectID) {
		writeError(w, http.StatusForbidden, "Token is not valid for this project", "")
		return
	}

	if a.ObjectKey != "" {
		if err := s.objects.Remove(ctx, a.ObjectKey); err != nil {
			logger.Error("remove object failed", logger.String("key", a.ObjectKey), logger.ErrorField(err))
			writeError(w, http.StatusBadGateway, "Failed to remove stored object", "")
			return
		}
	}
	if err := s.store.Assets.Delete(ctx, id); err != nil {
		logger.Error("delete asset failed", logger.String("asset", id), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
		return
	}
	s.sessions.AssetDeleted(a.ProjectID, id)

	logger.Info("asset deleted", logger.String("asset", id), logger.String("project", a.ProjectID))
	w.WriteHeader(http.StatusNoContent)
}

// TimelineHandler GET /projects/{projectId}/timeline 返回持久化的轨道和片段
func (s *Server) TimelineHandler(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectId"]
	if !allowedProject(r.Context(), projectID) {
		writeError(w, http.StatusForbidden, "Token is not valid for this project", "")
		return
	}
	tracks, clips, err := s.store.LoadProject(r.Context(), projectID)
	if err != nil {
		logger.Error("load project failed", logger.String("project", projectID), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
		return
	}
	if tracks == nil {
		tracks = []model.Track{}
	}
	if clips == nil {
		clips = []model.Clip{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"projectId": projectID,
		"tracks":    tracks,
		"clips":     clips,
	})
}
