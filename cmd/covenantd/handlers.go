package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"covenant/pkg/ccldsl"
	"covenant/pkg/ccleval"
	"covenant/pkg/cclir"
	"covenant/pkg/chain"
	"covenant/pkg/decisionlog"
	"covenant/pkg/httpx"
	"covenant/pkg/ratelimit"
	"covenant/pkg/store"
	"covenant/pkg/stream"
)

type covenantRequest struct {
	ID          string           `json:"id"`
	Constraints string           `json:"constraints"`
	Chain       *chain.Reference `json:"chain,omitempty"`
}

type violationView struct {
	Message string `json:"message"`
	Child   string `json:"child"`
	Parent  string `json:"parent,omitempty"`
}

func (s *Server) bearerAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.AuthToken)) != 1 {
			httpx.Error(w, 401, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) createCovenant(w http.ResponseWriter, r *http.Request) {
	var req covenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.Constraints == "" {
		httpx.Error(w, 400, "constraints required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if _, err := ccldsl.Parse(req.Constraints); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	cov := &chain.Covenant{ID: req.ID, Constraints: req.Constraints, Chain: req.Chain}
	if cov.Chain != nil {
		parent, err := s.Store.Get(r.Context(), cov.Chain.ParentID)
		if err != nil {
			internalServerError(w, "lookup parent", err)
			return
		}
		if parent == nil {
			httpx.Error(w, 422, "parent covenant not found: "+cov.Chain.ParentID)
			return
		}
		if s.EnforceNarrowing {
			res, err := chain.ValidateNarrowing(cov, parent)
			if err != nil {
				httpx.Error(w, 400, err.Error())
				return
			}
			if !res.Valid {
				httpx.WriteJSON(w, 422, map[string]interface{}{
					"error":      "covenant broadens its parent",
					"violations": violationViews(res.Violations),
				})
				return
			}
		}
	}
	if err := s.Store.Put(r.Context(), cov); err != nil {
		internalServerError(w, "store covenant", err)
		return
	}
	s.invalidateEffective(r.Context(), cov.ID)
	httpx.WriteJSON(w, 201, map[string]string{"id": cov.ID})
}

func (s *Server) listCovenants(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	covs, err := s.Store.List(r.Context(), limit)
	if err != nil {
		internalServerError(w, "list covenants", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"items": covs})
}

func (s *Server) getCovenant(w http.ResponseWriter, r *http.Request) {
	cov, err := s.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		internalServerError(w, "get covenant", err)
		return
	}
	if cov == nil {
		httpx.Error(w, 404, "not found")
		return
	}
	httpx.WriteJSON(w, 200, cov)
}

func (s *Server) deleteCovenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.Error(w, 404, "not found")
			return
		}
		internalServerError(w, "delete covenant", err)
		return
	}
	s.invalidateEffective(r.Context(), id)
	httpx.WriteJSON(w, 200, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) getChain(w http.ResponseWriter, r *http.Request) {
	cov, err := s.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		internalServerError(w, "get covenant", err)
		return
	}
	if cov == nil {
		httpx.Error(w, 404, "not found")
		return
	}
	ancestors, err := chain.ResolveChain(r.Context(), cov, s.Store)
	if err != nil {
		httpx.Error(w, 409, err.Error())
		return
	}
	ids := make([]string, 0, len(ancestors))
	for _, anc := range ancestors {
		ids = append(ids, anc.ID)
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"id": cov.ID, "ancestors": ids})
}

func (s *Server) getEffective(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, ok := s.effectiveDocument(w, r, id)
	if !ok {
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"id": id, "constraints": ccldsl.Serialize(doc)})
}

func (s *Server) evaluateCovenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Action   string                 `json:"action"`
		Resource string                 `json:"resource"`
		Context  map[string]interface{} `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.Action == "" || req.Resource == "" {
		httpx.Error(w, 400, "action and resource required")
		return
	}
	doc, ok := s.effectiveDocument(w, r, id)
	if !ok {
		return
	}
	verdict := ccleval.Evaluate(doc, req.Action, req.Resource, req.Context)

	decisionID := uuid.New().String()
	resp := map[string]interface{}{
		"decision_id": decisionID,
		"covenant_id": id,
		"action":      req.Action,
		"resource":    req.Resource,
		"permitted":   verdict.Permitted,
		"reason":      verdict.Reason,
	}
	if verdict.Severity != "" {
		resp["severity"] = verdict.Severity
	}
	if verdict.Matched != nil {
		resp["matched_rule"] = ccldsl.StatementText(*verdict.Matched)
	}
	s.publishDecision(r.Context(), decisionID, id, req.Action, req.Resource, req.Context, verdict)
	httpx.WriteJSON(w, 200, resp)
}

func (s *Server) evaluateDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Constraints string                 `json:"constraints"`
		Action      string                 `json:"action"`
		Resource    string                 `json:"resource"`
		Context     map[string]interface{} `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.Constraints == "" || req.Action == "" || req.Resource == "" {
		httpx.Error(w, 400, "constraints, action and resource required")
		return
	}
	doc, err := ccldsl.Parse(req.Constraints)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	verdict := ccleval.Evaluate(doc, req.Action, req.Resource, req.Context)
	resp := map[string]interface{}{
		"permitted": verdict.Permitted,
		"reason":    verdict.Reason,
	}
	if verdict.Severity != "" {
		resp["severity"] = verdict.Severity
	}
	if verdict.Matched != nil {
		resp["matched_rule"] = ccldsl.StatementText(*verdict.Matched)
	}
	httpx.WriteJSON(w, 200, resp)
}

func (s *Server) checkNarrowing(w http.ResponseWriter, r *http.Request) {
	cov, err := s.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		internalServerError(w, "get covenant", err)
		return
	}
	if cov == nil {
		httpx.Error(w, 404, "not found")
		return
	}
	var req struct {
		AncestorID string `json:"ancestor_id"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	ancestorID := req.AncestorID
	if ancestorID == "" {
		if cov.Chain == nil {
			httpx.Error(w, 422, "covenant has no parent")
			return
		}
		ancestorID = cov.Chain.ParentID
	}
	ancestor, err := s.Store.Get(r.Context(), ancestorID)
	if err != nil {
		internalServerError(w, "get ancestor", err)
		return
	}
	if ancestor == nil {
		httpx.Error(w, 422, "ancestor covenant not found: "+ancestorID)
		return
	}
	res, err := chain.ValidateNarrowing(cov, ancestor)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"id":          cov.ID,
		"ancestor_id": ancestorID,
		"valid":       res.Valid,
		"violations":  violationViews(res.Violations),
	})
}

func (s *Server) checkLimit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.Action == "" {
		httpx.Error(w, 400, "action required")
		return
	}
	doc, ok := s.effectiveDocument(w, r, id)
	if !ok {
		return
	}
	st, found := ratelimit.ForAction(doc, req.Action)
	if !found {
		httpx.WriteJSON(w, 200, map[string]interface{}{"limited": false, "allowed": true})
		return
	}
	decision := s.Limiter.Allow(id+":"+req.Action, st.Count, st.Window())
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"limited":   true,
		"allowed":   decision.Allowed,
		"count":     decision.Count,
		"limit":     decision.Limit,
		"remaining": decision.Remaining,
		"reset_at":  decision.ResetAt.Format(time.RFC3339),
		"rule":      ccldsl.StatementText(st),
	})
}

func (s *Server) getDecision(w http.ResponseWriter, r *http.Request) {
	if s.Decisions == nil {
		httpx.Error(w, 404, "decision log not enabled")
		return
	}
	rec, err := s.Decisions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.Error(w, 404, "not found")
			return
		}
		internalServerError(w, "get decision", err)
		return
	}
	resp := map[string]interface{}{
		"decision_id": rec.DecisionID,
		"covenant_id": rec.CovenantID,
		"action":      rec.Action,
		"resource":    rec.Resource,
		"permitted":   rec.Permitted,
		"reason":      rec.Reason,
		"created_at":  rec.CreatedAt.Format(time.RFC3339Nano),
	}
	if rec.Severity != "" {
		resp["severity"] = rec.Severity
	}
	if len(rec.Context) > 0 {
		resp["context"] = json.RawMessage(rec.Context)
	}
	httpx.WriteJSON(w, 200, resp)
}

func (s *Server) streamDecisions(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ch := s.Hub.Subscribe(64)
	defer s.Hub.Unsubscribe(ch)
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case dec, open := <-ch:
			if !open {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, dec)
			cancel()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// effectiveDocument resolves the covenant's chain and returns the
// merged document, serving from cache when possible. It writes the
// error response itself and reports ok=false on failure.
func (s *Server) effectiveDocument(w http.ResponseWriter, r *http.Request, id string) (*cclir.Document, bool) {
	ctx := r.Context()
	cacheKey := "eff:" + id
	if s.Cache != nil {
		if src, err := s.Cache.Get(ctx, cacheKey); err == nil {
			if doc, err := ccldsl.Parse(src); err == nil {
				return doc, true
			}
		}
	}
	cov, err := s.Store.Get(ctx, id)
	if err != nil {
		internalServerError(w, "get covenant", err)
		return nil, false
	}
	if cov == nil {
		httpx.Error(w, 404, "not found")
		return nil, false
	}
	ancestors, err := chain.ResolveChain(ctx, cov, s.Store)
	if err != nil {
		httpx.Error(w, 409, err.Error())
		return nil, false
	}
	doc, err := chain.EffectiveConstraints(cov, ancestors)
	if err != nil {
		httpx.Error(w, 422, err.Error())
		return nil, false
	}
	if s.Cache != nil {
		_ = s.Cache.Set(ctx, cacheKey, ccldsl.Serialize(doc), s.CacheTTL)
	}
	return doc, true
}

// invalidateEffective drops the cached effective document of the
// covenant and of every descendant. A rewritten or deleted covenant
// changes what its whole subtree resolves to, so the walk follows
// parent links all the way down.
func (s *Server) invalidateEffective(ctx context.Context, id string) {
	if s.Cache == nil {
		return
	}
	visited := map[string]bool{}
	queue := []string{id}
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		if visited[curr] {
			continue
		}
		visited[curr] = true
		_ = s.Cache.Del(ctx, "eff:"+curr)
		children, err := s.Store.Children(ctx, curr)
		if err != nil {
			logOpError("list children", err)
			continue
		}
		queue = append(queue, children...)
	}
}

// publishDecision fans a verdict out to websocket subscribers, the
// kafka decision topic and the decision log. All three are
// best-effort; evaluation already returned its result.
func (s *Server) publishDecision(ctx context.Context, decisionID, covenantID, action, resource string, queryCtx map[string]interface{}, verdict ccleval.Verdict) {
	dec := stream.Decision{
		DecisionID: decisionID,
		CovenantID: covenantID,
		Action:     action,
		Resource:   resource,
		Permitted:  verdict.Permitted,
		Severity:   verdict.Severity,
		Reason:     verdict.Reason,
		At:         time.Now().UTC().Format(time.RFC3339Nano),
	}
	if s.Hub != nil {
		s.Hub.Publish(dec)
	}
	if s.Events != nil {
		raw, err := json.Marshal(dec)
		if err != nil {
			return
		}
		if err := s.Events.Publish(ctx, covenantID, raw); err != nil {
			logOpError("kafka publish", err)
		}
	}
	if s.Decisions != nil {
		var ctxRaw json.RawMessage
		if queryCtx != nil {
			ctxRaw, _ = json.Marshal(queryCtx)
		}
		rec := decisionlog.Record{
			DecisionID: decisionID,
			CovenantID: covenantID,
			Action:     action,
			Resource:   resource,
			Context:    ctxRaw,
			Permitted:  verdict.Permitted,
			Severity:   verdict.Severity,
			Reason:     verdict.Reason,
			CreatedAt:  time.Now().UTC(),
		}
		if err := s.Decisions.Append(ctx, rec); err != nil {
			logOpError("decision log append", err)
		}
	}
}

func violationViews(violations []chain.Violation) []violationView {
	out := make([]violationView, 0, len(violations))
	for _, v := range violations {
		view := violationView{Message: v.Message}
		if v.Child != nil {
			view.Child = ccldsl.StatementText(*v.Child)
		}
		if v.Parent != nil {
			view.Parent = ccldsl.StatementText(*v.Parent)
		}
		out = append(out, view)
	}
	return out
}
