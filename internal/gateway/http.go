package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/elysia-ai/elysia/internal/errs"
	"github.com/elysia-ai/elysia/internal/settings"
	"github.com/elysia-ai/elysia/internal/tree"
	"github.com/elysia-ai/elysia/internal/user"
)

// controlRequest is the union body of the control endpoints; each
// handler reads the fields it needs.
type controlRequest struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	QueryID        string `json:"query_id"`
	LowMemory      bool   `json:"low_memory"`

	ConfigID string         `json:"config_id"`
	Name     string         `json:"name"`
	Default  bool           `json:"default"`
	Config   map[string]any `json:"config"`

	Settings         map[string]any `json:"settings"`
	Style            *string        `json:"style"`
	AgentDescription *string        `json:"agent_description"`
	EndGoal          *string        `json:"end_goal"`

	FrontendConfig *settings.FrontendConfig `json:"frontend_config"`

	ToolID         string   `json:"tool_id"`
	BranchID       string   `json:"branch_id"`
	Instruction    string   `json:"instruction"`
	ParentBranchID string   `json:"parent_branch_id"`
	FromToolIDs    []string `json:"from_tool_ids"`
	Root           bool     `json:"root"`

	Value string `json:"value"`
}

func (s *Server) registerControlRoutes(mux *http.ServeMux) {
	routes := map[string]http.HandlerFunc{
		"/api/init_user":               s.handleInitUser,
		"/api/init_tree":               s.handleInitTree,
		"/api/get_current_user_config": s.handleCurrentConfig,
		"/api/save_config_user":        s.handleSaveConfig,
		"/api/load_config_user":        s.handleLoadConfig,
		"/api/list_configs":            s.handleListConfigs,
		"/api/delete_config":           s.handleDeleteConfig,
		"/api/new_user_config":         s.handleNewConfig,
		"/api/change_config_tree":      s.handleChangeConfigTree,
		"/api/load_config_tree":        s.handleLoadConfigTree,
		"/api/save_tree":               s.handleSaveTree,
		"/api/load_tree":               s.handleLoadTree,
		"/api/get_saved_trees":         s.handleSavedTrees,
		"/api/delete_tree":             s.handleDeleteTree,
		"/api/add_tool_to_tree":        s.handleAddTool,
		"/api/remove_tool_from_tree":   s.handleRemoveTool,
		"/api/add_branch_to_tree":      s.handleAddBranch,
		"/api/remove_branch_from_tree": s.handleRemoveBranch,
		"/api/add_feedback":            s.handleAddFeedback,
		"/api/remove_feedback":         s.handleRemoveFeedback,
		"/api/feedback_metadata":       s.handleFeedbackMetadata,
	}
	for path, h := range routes {
		mux.HandleFunc(path, post(h))
	}
}

func post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, errs.HTTPBody{Error: "POST required"})
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// fail maps the error taxonomy onto HTTP statuses with the uniform
// {error, warnings} body.
func fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrConfig), errors.Is(err, errs.ErrProtocol):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrTimeout):
		status = http.StatusConflict
	}
	writeJSON(w, status, errs.HTTPBody{Error: err.Error()})
}

func ok(w http.ResponseWriter, fields map[string]any, warnings []string) {
	body := map[string]any{"error": ""}
	for k, v := range fields {
		body[k] = v
	}
	if len(warnings) > 0 {
		body["warnings"] = warnings
	}
	writeJSON(w, http.StatusOK, body)
}

func decode(r *http.Request, into *controlRequest) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return errs.Protocol("malformed body: %v", err)
	}
	return nil
}

// lookup resolves the user, and the conversation too when the request
// names one.
func (s *Server) lookup(req *controlRequest, needTree bool) (*user.User, *tree.Tree, error) {
	if req.UserID == "" {
		return nil, nil, errs.Protocol("user_id is required")
	}
	u, err := s.registry.GetUser(req.UserID)
	if err != nil {
		return nil, nil, err
	}
	if !needTree {
		return u, nil, nil
	}
	if req.ConversationID == "" {
		return nil, nil, errs.Protocol("conversation_id is required")
	}
	t, err := u.Trees.GetTree(req.ConversationID)
	if err != nil {
		return nil, nil, err
	}
	return u, t, nil
}

func (s *Server) handleInitUser(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	if req.UserID == "" {
		fail(w, errs.Protocol("user_id is required"))
		return
	}
	u, err := s.registry.AddUser(r.Context(), req.UserID)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{
		"user_id":         u.ID,
		"config":          u.Config.ToJSON(),
		"frontend_config": u.Frontend,
	}, nil)
}

func (s *Server) handleInitTree(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	u, _, err := s.lookup(&req, false)
	if err != nil {
		fail(w, err)
		return
	}
	if req.ConversationID == "" {
		fail(w, errs.Protocol("conversation_id is required"))
		return
	}
	t, err := u.Trees.AddTree(req.ConversationID, u.Config, req.LowMemory)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{
		"conversation_id": t.ConversationID,
		"tree":            t.Graph.Shape(),
	}, nil)
}

func (s *Server) handleCurrentConfig(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	u, _, err := s.lookup(&req, false)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{
		"config":          u.Config.ToJSON(),
		"frontend_config": u.Frontend,
	}, nil)
}

// handleSaveConfig applies a config patch to the user, persists it to
// the config store, and swaps the frontend policy when one is sent.
// The store write happens before the frontend patch so a request that
// turns save_configs off still saves the config it carries.
func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	u, _, err := s.lookup(&req, false)
	if err != nil {
		fail(w, err)
		return
	}

	cfg := u.Config.Clone(false)
	if req.ConfigID != "" {
		cfg.ID = req.ConfigID
	}
	if req.Name != "" {
		cfg.Name = req.Name
	}
	if err := applyConfigPatch(cfg, req.Config); err != nil {
		fail(w, err)
		return
	}
	u.Config = cfg

	var warnings []string
	if err := u.ResetPoolKeys(); err != nil {
		warnings = append(warnings, "database credentials not applied: "+err.Error())
	}
	if err := u.Configs.Save(r.Context(), u.ID, cfg, req.Default); err != nil {
		warnings = append(warnings, "config not persisted: "+err.Error())
	}
	if req.FrontendConfig != nil {
		warnings = append(warnings, s.registry.SetFrontendConfig(u, req.FrontendConfig)...)
	}
	ok(w, map[string]any{"config": cfg.ToJSON()}, warnings)
}

// applyConfigPatch merges a serialized config patch: prompt-shaping
// fields verbatim, settings through Configure so secrets are
// encrypted on the way in.
func applyConfigPatch(cfg *settings.Config, patch map[string]any) error {
	if patch == nil {
		return nil
	}
	str := func(key string) (string, bool) {
		v, ok := patch[key].(string)
		return v, ok
	}
	if v, found := str("style"); found {
		cfg.Style = v
	}
	if v, found := str("agent_description"); found {
		cfg.AgentDescription = v
	}
	if v, found := str("end_goal"); found {
		cfg.EndGoal = v
	}
	if v, found := str("branch_initialisation"); found {
		cfg.BranchInitialisation = v
	}
	if raw, found := patch["settings"].(map[string]any); found {
		partial := make(map[string]any, len(raw))
		for k, v := range raw {
			if k == "API_KEYS" {
				continue
			}
			partial[k] = v
		}
		if err := cfg.Settings.Configure(partial, settings.ScopeUser); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleLoadConfig(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	u, _, err := s.lookup(&req, false)
	if err != nil {
		fail(w, err)
		return
	}
	cfg, err := u.Configs.Load(r.Context(), u.ID, req.ConfigID, s.cipher)
	if err != nil {
		fail(w, err)
		return
	}
	u.Config = cfg

	var warnings []string
	if err := u.ResetPoolKeys(); err != nil {
		warnings = append(warnings, "database credentials not applied: "+err.Error())
	}
	ok(w, map[string]any{"config": cfg.ToJSON()}, warnings)
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	u, _, err := s.lookup(&req, false)
	if err != nil {
		fail(w, err)
		return
	}
	metas, err := u.Configs.List(r.Context(), u.ID)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"configs": metas}, nil)
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	u, _, err := s.lookup(&req, false)
	if err != nil {
		fail(w, err)
		return
	}
	if err := u.Configs.Delete(r.Context(), u.ID, req.ConfigID); err != nil {
		fail(w, err)
		return
	}
	ok(w, nil, nil)
}

// handleNewConfig swaps in a fresh env-hydrated config. It never
// touches the config store, so saved defaults survive.
func (s *Server) handleNewConfig(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	u, _, err := s.lookup(&req, false)
	if err != nil {
		fail(w, err)
		return
	}
	cfg, err := settings.NewDefaultConfig(s.cipher)
	if err != nil {
		fail(w, err)
		return
	}
	u.Config = cfg

	var warnings []string
	if err := u.ResetPoolKeys(); err != nil {
		warnings = append(warnings, "database credentials not applied: "+err.Error())
	}
	ok(w, map[string]any{"config": cfg.ToJSON()}, warnings)
}

// withIdleTree runs fn while holding the conversation's completion
// latch, refusing when a run is in flight.
func withIdleTree(t *tree.Tree, fn func() error) error {
	if !t.TryAcquire() {
		return errs.Timeout("conversation %s is busy with a run", t.ConversationID)
	}
	defer t.Release()
	return fn()
}

func (s *Server) handleChangeConfigTree(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	_, t, err := s.lookup(&req, true)
	if err != nil {
		fail(w, err)
		return
	}
	err = withIdleTree(t, func() error {
		if req.Settings != nil {
			if err := t.Config.Settings.Configure(req.Settings, settings.ScopeTree); err != nil {
				return err
			}
		}
		if req.Style != nil {
			t.Config.Style = *req.Style
		}
		if req.AgentDescription != nil {
			t.Config.AgentDescription = *req.AgentDescription
		}
		if req.EndGoal != nil {
			t.Config.EndGoal = *req.EndGoal
		}
		return nil
	})
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"config": t.Config.ToJSON()}, nil)
}

// handleLoadConfigTree applies a saved config to one conversation.
// Tree scope strips credentials, so the conversation keeps the user's
// database identity.
func (s *Server) handleLoadConfigTree(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	u, t, err := s.lookup(&req, true)
	if err != nil {
		fail(w, err)
		return
	}
	cfg, err := u.Configs.Load(r.Context(), u.ID, req.ConfigID, s.cipher)
	if err != nil {
		fail(w, err)
		return
	}
	err = withIdleTree(t, func() error {
		if err := t.Config.Settings.Configure(cfg.Settings.ToJSON(), settings.ScopeTree); err != nil {
			return err
		}
		t.Config.Style = cfg.Style
		t.Config.AgentDescription = cfg.AgentDescription
		t.Config.EndGoal = cfg.EndGoal
		return nil
	})
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"config": t.Config.ToJSON()}, nil)
}

func (s *Server) handleSaveTree(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	u, _, err := s.lookup(&req, true)
	if err != nil {
		fail(w, err)
		return
	}
	if err := s.registry.SnapshotTree(r.Context(), u, req.ConversationID); err != nil {
		fail(w, err)
		return
	}
	ok(w, nil, nil)
}

func (s *Server) handleLoadTree(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	u, _, err := s.lookup(&req, false)
	if err != nil {
		fail(w, err)
		return
	}
	if req.ConversationID == "" {
		fail(w, errs.Protocol("conversation_id is required"))
		return
	}
	t, err := s.registry.RestoreTree(r.Context(), u, req.ConversationID)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{
		"conversation_id": t.ConversationID,
		"title":           t.Title(),
		"frames":          u.Trees.Frames(req.ConversationID),
	}, nil)
}

func (s *Server) handleSavedTrees(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	u, _, err := s.lookup(&req, false)
	if err != nil {
		fail(w, err)
		return
	}
	metas, err := u.Snapshots.List(r.Context(), u.ID)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"trees": metas}, nil)
}

// handleDeleteTree drops both the live conversation and its snapshot.
func (s *Server) handleDeleteTree(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	u, _, err := s.lookup(&req, false)
	if err != nil {
		fail(w, err)
		return
	}
	if req.ConversationID == "" {
		fail(w, errs.Protocol("conversation_id is required"))
		return
	}
	_, memErr := u.Trees.GetTree(req.ConversationID)
	u.Trees.RemoveTree(req.ConversationID)

	var warnings []string
	if err := u.Snapshots.Delete(r.Context(), u.ID, req.ConversationID); err != nil {
		if memErr != nil {
			fail(w, err)
			return
		}
		warnings = append(warnings, "snapshot not deleted: "+err.Error())
	}
	ok(w, nil, warnings)
}

func (s *Server) graphMutation(w http.ResponseWriter, r *http.Request, mutate func(req *controlRequest, t *tree.Tree) error) {
	var req controlRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	_, t, err := s.lookup(&req, true)
	if err != nil {
		fail(w, err)
		return
	}
	if err := withIdleTree(t, func() error { return mutate(&req, t) }); err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"tree": t.Graph.Shape()}, nil)
}

func (s *Server) handleAddTool(w http.ResponseWriter, r *http.Request) {
	s.graphMutation(w, r, func(req *controlRequest, t *tree.Tree) error {
		return t.Graph.AddTool(req.ToolID, req.ParentBranchID, req.FromToolIDs...)
	})
}

func (s *Server) handleRemoveTool(w http.ResponseWriter, r *http.Request) {
	s.graphMutation(w, r, func(req *controlRequest, t *tree.Tree) error {
		return t.Graph.RemoveTool(req.ToolID, req.ParentBranchID, req.FromToolIDs...)
	})
}

func (s *Server) handleAddBranch(w http.ResponseWriter, r *http.Request) {
	s.graphMutation(w, r, func(req *controlRequest, t *tree.Tree) error {
		return t.Graph.AddBranch(req.BranchID, req.Instruction, req.ParentBranchID, req.FromToolIDs, req.Root)
	})
}

func (s *Server) handleRemoveBranch(w http.ResponseWriter, r *http.Request) {
	s.graphMutation(w, r, func(req *controlRequest, t *tree.Tree) error {
		return t.Graph.RemoveBranch(req.BranchID)
	})
}

func (s *Server) handleAddFeedback(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	u, _, err := s.lookup(&req, false)
	if err != nil {
		fail(w, err)
		return
	}
	if req.QueryID == "" || req.Value == "" {
		fail(w, errs.Protocol("query_id and value are required"))
		return
	}
	if err := u.Feedback.Add(r.Context(), u.ID, req.ConversationID, req.QueryID, req.Value); err != nil {
		fail(w, err)
		return
	}
	ok(w, nil, nil)
}

func (s *Server) handleRemoveFeedback(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	u, _, err := s.lookup(&req, false)
	if err != nil {
		fail(w, err)
		return
	}
	if err := u.Feedback.Remove(r.Context(), u.ID, req.ConversationID, req.QueryID); err != nil {
		fail(w, err)
		return
	}
	ok(w, nil, nil)
}

func (s *Server) handleFeedbackMetadata(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	u, _, err := s.lookup(&req, false)
	if err != nil {
		fail(w, err)
		return
	}
	meta, err := u.Feedback.Metadata(r.Context(), u.ID)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"feedback": meta}, nil)
}
