package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/omniway/gateway/apierr"
	"github.com/omniway/gateway/store"
)

// modelObject is the OpenAI-compatible representation of a catalog entry
// (spec §6: GET /v1/models, GET /v1/models/{model_id}).
type modelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string        `json:"object"`
	Data   []modelObject `json:"data"`
}

func toModelObject(m store.Model) modelObject {
	return modelObject{ID: m.ID, Object: "model", Created: 0, OwnedBy: m.Provider}
}

// Models handles GET /v1/models, filtered to the caller's allowlist when the
// resolved policy restricts it (spec §4.3).
func (g *Gateway) Models(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chimw.GetReqID(ctx)

	authCtx, err := g.authz.Resolve(ctx, r)
	if err != nil {
		g.writeErr(w, err, requestID, "authentication failed")
		return
	}

	models, err := g.store.ListModels(ctx)
	if err != nil {
		apierr.Write(w, apierr.Internal("failed to list models").WithRequestID(requestID))
		return
	}

	allowed := authCtx.Policy.AllowedModels
	list := modelList{Object: "list"}
	for _, m := range models {
		if len(allowed) > 0 && !contains(allowed, m.ID) {
			continue
		}
		list.Data = append(list.Data, toModelObject(m))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

// ModelByID handles GET /v1/models/{model_id}.
func (g *Gateway) ModelByID(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chimw.GetReqID(ctx)
	modelID := chi.URLParam(r, "model_id")

	authCtx, err := g.authz.Resolve(ctx, r)
	if err != nil {
		g.writeErr(w, err, requestID, "authentication failed")
		return
	}

	m, err := g.access.Resolve(ctx, modelID)
	if err != nil {
		g.writeErr(w, err, requestID, "model not found")
		return
	}
	if len(authCtx.Policy.AllowedModels) > 0 && !contains(authCtx.Policy.AllowedModels, modelID) {
		apierr.Write(w, apierr.Permission("model_not_allowed", "model not allowed for this key").WithRequestID(requestID))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toModelObject(*m))
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
