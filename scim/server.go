package scim

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/provisor/scimhub/logging"
	"github.com/provisor/scimhub/store"
)

// Server is the tenant-scoped SCIM resource orchestrator. One instance
// serves every endpoint; the tenant guard resolves the endpoint before a
// request reaches these handlers.
type Server struct {
	store   store.Store
	logger  *logging.Logger
	handler *Handler
}

// NewServer creates the orchestrator. baseURL is the externally visible
// origin including the application prefix.
func NewServer(st store.Store, logger *logging.Logger, baseURL string) *Server {
	return &Server{
		store:   st,
		logger:  logger,
		handler: NewHandler(baseURL),
	}
}

// Handler exposes the response encoder, mainly for the admin plane to
// share error shapes.
func (s *Server) Handler() *Handler { return s.handler }

// Register mounts the SCIM plane on mux with the guard middleware applied
// per route, so the guard can read the {endpoint} path value.
func (s *Server) Register(mux *http.ServeMux, guard func(http.Handler) http.Handler) {
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, guard(h))
	}

	route("GET /endpoints/{endpoint}/ServiceProviderConfig", s.handleServiceProviderConfig)
	route("GET /endpoints/{endpoint}/ResourceTypes", s.handleResourceTypes)
	route("GET /endpoints/{endpoint}/Schemas", s.handleSchemas)

	for _, kind := range []Kind{UserKind, GroupKind} {
		kind := kind
		route("GET /endpoints/{endpoint}/"+kind.PathSegment, func(w http.ResponseWriter, r *http.Request) {
			s.handleList(w, r, kind)
		})
		route("POST /endpoints/{endpoint}/"+kind.PathSegment, func(w http.ResponseWriter, r *http.Request) {
			s.handleCreate(w, r, kind)
		})
		route("POST /endpoints/{endpoint}/"+kind.PathSegment+"/.search", func(w http.ResponseWriter, r *http.Request) {
			s.handleSearch(w, r, kind)
		})
		route("GET /endpoints/{endpoint}/"+kind.PathSegment+"/{id}", func(w http.ResponseWriter, r *http.Request) {
			s.handleGet(w, r, kind)
		})
		route("PUT /endpoints/{endpoint}/"+kind.PathSegment+"/{id}", func(w http.ResponseWriter, r *http.Request) {
			s.handleReplace(w, r, kind)
		})
		route("PATCH /endpoints/{endpoint}/"+kind.PathSegment+"/{id}", func(w http.ResponseWriter, r *http.Request) {
			s.handlePatch(w, r, kind)
		})
		route("DELETE /endpoints/{endpoint}/"+kind.PathSegment+"/{id}", func(w http.ResponseWriter, r *http.Request) {
			s.handleDelete(w, r, kind)
		})
	}
}

func (s *Server) category(kind Kind) logging.Category {
	if kind.HasMembers {
		return logging.CategoryGroup
	}
	return logging.CategoryUser
}

// writeError maps store and protocol errors onto SCIM responses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, kind Kind, id string, err error) {
	var scimErr *SCIMError
	if errors.As(err, &scimErr) {
		s.handler.WriteSCIMError(w, scimErr)
		return
	}
	var uniq *store.UniquenessError
	if errors.As(err, &uniq) {
		s.handler.WriteError(w, http.StatusConflict, uniq.Error(), ScimTypeUniqueness)
		return
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.handler.WriteSCIMError(w, ErrNotFound(kind.Name, id))
	case errors.Is(err, store.ErrVersionConflict):
		s.handler.WriteError(w, http.StatusPreconditionFailed,
			"the resource changed since it was read", ScimTypeMutability)
	default:
		s.logger.Error(r.Context(), s.category(kind), "request failed", err,
			map[string]any{"id": id})
		s.handler.WriteSCIMError(w, ErrInternalServer("internal server error"))
	}
}

// pushableSortAttrs are the sort keys both stores order natively, spelled
// the way store.Query expects them.
var pushableSortAttrs = map[string]string{
	"username":    "userName",
	"displayname": "displayName",
	"externalid":  "externalId",
}

// listParams is the merged query-or-search-body input to a list.
type listParams struct {
	QueryParams
	expr Expr
}

func (s *Server) parseListParams(r *http.Request) (listParams, error) {
	params, err := s.handler.ParseQueryParams(r)
	if err != nil {
		return listParams{}, err
	}
	lp := listParams{QueryParams: params}
	if params.Filter != "" {
		expr, err := ParseFilter(params.Filter)
		if err != nil {
			return listParams{}, err
		}
		lp.expr = expr
	}
	return lp, nil
}

// handleList answers GET /Users and GET /Groups.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request, kind Kind) {
	lp, err := s.parseListParams(r)
	if err != nil {
		s.writeError(w, r, kind, "", err)
		return
	}
	s.list(w, r, kind, lp)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, kind Kind, lp listParams) {
	ctx := r.Context()
	ep := EndpointFromContext(ctx)

	plan := PlanFilter(lp.expr, s.store.Capabilities())
	if lp.expr != nil {
		s.logger.Debug(ctx, logging.CategoryFilter, "filter planned", map[string]any{
			"filter":     lp.Filter,
			"fullPushed": plan.FullyPushed(),
		})
	}

	query := store.Query{
		EndpointID: ep.ID,
		Type:       kind.Name,
		Where:      plan.Pushed,
	}

	sortKey, sortPushable := "", lp.SortBy == ""
	if lp.SortBy != "" {
		if key, ok := pushableSortAttrs[strings.ToLower(lp.SortBy)]; ok {
			sortKey, sortPushable = key, true
		}
	}

	var (
		docs  []map[string]any
		total int
	)
	if plan.FullyPushed() && sortPushable {
		// The store answers filtering, ordering, and the page window.
		query.SortBy = sortKey
		query.SortDesc = strings.ToLower(lp.SortOrder) == "descending"
		query.Offset = lp.StartIndex - 1
		query.Limit = lp.Count
		if lp.Count == 0 {
			// totalResults only; fetch no more than one row to learn it.
			query.Offset = 0
			query.Limit = 1
		}
		page, err := s.store.SearchResources(ctx, query)
		if err != nil {
			s.writeError(w, r, kind, "", err)
			return
		}
		total = page.Total
		if lp.Count > 0 {
			docs, err = s.buildDocs(r, kind, ep.ID, page.Items)
			if err != nil {
				s.writeError(w, r, kind, "", err)
				return
			}
		}
	} else {
		// Residual filter or unpushable sort: materialize the pushed
		// subset and finish in memory.
		page, err := s.store.SearchResources(ctx, query)
		if err != nil {
			s.writeError(w, r, kind, "", err)
			return
		}
		all, err := s.buildDocs(r, kind, ep.ID, page.Items)
		if err != nil {
			s.writeError(w, r, kind, "", err)
			return
		}
		all = FilterByExpr(all, plan.Residual)
		all = SortResources(all, lp.SortBy, lp.SortOrder)
		docs, _, _ = ApplyPagination(all, lp.StartIndex, lp.Count)
		total = len(all)
	}

	selector := NewAttributeSelector(lp.Attributes, lp.ExcludedAttr)
	resources := make([]any, 0, len(docs))
	for _, doc := range docs {
		resources = append(resources, selector.FilterResource(doc))
	}

	s.handler.WriteJSON(w, http.StatusOK, ListResponse[any]{
		Schemas:      []string{SchemaListResponse},
		TotalResults: total,
		StartIndex:   lp.StartIndex,
		ItemsPerPage: len(resources),
		Resources:    resources,
	})
}

func (s *Server) buildDocs(r *http.Request, kind Kind, endpointID string, items []*store.Resource) ([]map[string]any, error) {
	docs := make([]map[string]any, 0, len(items))
	for _, res := range items {
		var members []store.Member
		if kind.HasMembers {
			var err error
			members, err = s.store.ListMembers(r.Context(), endpointID, res.SCIMID)
			if err != nil {
				return nil, err
			}
		}
		docs = append(docs, s.handler.BuildResource(endpointID, kind, res, members))
	}
	return docs, nil
}

// handleSearch answers POST /Users/.search and POST /Groups/.search.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, kind Kind) {
	if err := s.handler.CheckContentType(r); err != nil {
		s.handler.WriteSCIMError(w, err)
		return
	}
	lp, err := s.parseSearchRequest(r)
	if err != nil {
		s.writeError(w, r, kind, "", err)
		return
	}
	s.list(w, r, kind, lp)
}

// handleCreate answers POST /Users and POST /Groups.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, kind Kind) {
	ctx := r.Context()
	ep := EndpointFromContext(ctx)

	doc, scimErr := s.decodeBody(r)
	if scimErr != nil {
		s.handler.WriteSCIMError(w, scimErr)
		return
	}

	normalized, err := NormalizeResource(kind, doc)
	if err != nil {
		s.writeError(w, r, kind, "", err)
		return
	}
	if err := ValidateResource(kind, normalized); err != nil {
		s.writeError(w, r, kind, "", err)
		return
	}
	if !kind.HasMembers {
		defaultActive(normalized.Payload, &normalized.Projected)
	}

	members, err := s.resolveMembers(r, ep.ID, normalized.Members)
	if err != nil {
		s.writeError(w, r, kind, "", err)
		return
	}

	created, err := s.store.CreateResource(ctx, store.CreateResourceInput{
		EndpointID:  ep.ID,
		Type:        kind.Name,
		SCIMID:      uuid.NewString(),
		ExternalID:  normalized.Projected.ExternalID,
		UserName:    normalized.Projected.UserName,
		DisplayName: normalized.Projected.DisplayName,
		Active:      normalized.Projected.Active,
		Payload:     normalized.Payload,
	})
	if err != nil {
		s.writeError(w, r, kind, "", err)
		return
	}

	if kind.HasMembers && len(members) > 0 {
		if err := s.store.ReplaceMembers(ctx, ep.ID, created.SCIMID, withGroup(created.SCIMID, members)); err != nil {
			s.writeError(w, r, kind, created.SCIMID, err)
			return
		}
	}

	s.logger.Info(ctx, s.category(kind), kind.Name+" created", map[string]any{
		"id":              created.SCIMID,
		kind.RequiredAttr: normalized.Projected.RequiredValue(kind),
	})

	body := s.handler.BuildResource(ep.ID, kind, created, withGroup(created.SCIMID, members))
	w.Header().Set("Location", s.handler.GetResourceLocation(ep.ID, kind.PathSegment, created.SCIMID))
	SetETag(w, created.Version)
	s.handler.WriteJSON(w, http.StatusCreated, body)
}

// handleGet answers GET /Users/{id} and GET /Groups/{id}.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, kind Kind) {
	ctx := r.Context()
	ep := EndpointFromContext(ctx)
	id := r.PathValue("id")

	res, err := s.store.GetResource(ctx, ep.ID, id)
	if err != nil {
		s.writeError(w, r, kind, id, err)
		return
	}

	if NotModified(r, res.Version) {
		SetETag(w, res.Version)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	params, perr := s.handler.ParseQueryParams(r)
	if perr != nil {
		s.writeError(w, r, kind, id, perr)
		return
	}

	var members []store.Member
	if kind.HasMembers {
		if members, err = s.store.ListMembers(ctx, ep.ID, id); err != nil {
			s.writeError(w, r, kind, id, err)
			return
		}
	}

	doc := s.handler.BuildResource(ep.ID, kind, res, members)
	selector := NewAttributeSelector(params.Attributes, params.ExcludedAttr)
	SetETag(w, res.Version)
	s.handler.WriteJSON(w, http.StatusOK, selector.FilterResource(doc))
}

// handleReplace answers PUT /Users/{id} and PUT /Groups/{id}. The stored
// document is replaced wholesale; for groups the member set is replaced
// with whatever the body carries, including nothing.
func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request, kind Kind) {
	ctx := r.Context()
	ep := EndpointFromContext(ctx)
	id := r.PathValue("id")

	current, err := s.store.GetResource(ctx, ep.ID, id)
	if err != nil {
		s.writeError(w, r, kind, id, err)
		return
	}
	if err := CheckIfMatch(r, current.Version); err != nil {
		s.writeError(w, r, kind, id, err)
		return
	}

	doc, scimErr := s.decodeBody(r)
	if scimErr != nil {
		s.handler.WriteSCIMError(w, scimErr)
		return
	}
	normalized, err := NormalizeResource(kind, doc)
	if err != nil {
		s.writeError(w, r, kind, id, err)
		return
	}
	if err := ValidateResource(kind, normalized); err != nil {
		s.writeError(w, r, kind, id, err)
		return
	}

	members, err := s.resolveMembers(r, ep.ID, normalized.Members)
	if err != nil {
		s.writeError(w, r, kind, id, err)
		return
	}

	updated, err := s.store.UpdateResource(ctx, ep.ID, id, store.UpdateResourceInput{
		ExternalID:    normalized.Projected.ExternalID,
		UserName:      normalized.Projected.UserName,
		DisplayName:   normalized.Projected.DisplayName,
		Active:        normalized.Projected.Active,
		Payload:       normalized.Payload,
		ExpectVersion: current.Version,
	})
	if err != nil {
		s.writeError(w, r, kind, id, err)
		return
	}

	if kind.HasMembers {
		if err := s.store.ReplaceMembers(ctx, ep.ID, id, withGroup(id, members)); err != nil {
			s.writeError(w, r, kind, id, err)
			return
		}
	}

	s.logger.Info(ctx, s.category(kind), kind.Name+" replaced", map[string]any{"id": id})

	body := s.handler.BuildResource(ep.ID, kind, updated, withGroup(id, members))
	SetETag(w, updated.Version)
	s.handler.WriteJSON(w, http.StatusOK, body)
}

// handlePatch answers PATCH /Users/{id} and PATCH /Groups/{id}, returning
// the full updated resource with 200.
func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request, kind Kind) {
	ctx := r.Context()
	ep := EndpointFromContext(ctx)
	flags := FlagsFromContext(ctx)
	id := r.PathValue("id")

	current, err := s.store.GetResource(ctx, ep.ID, id)
	if err != nil {
		s.writeError(w, r, kind, id, err)
		return
	}
	if err := CheckIfMatch(r, current.Version); err != nil {
		s.writeError(w, r, kind, id, err)
		return
	}

	if ctErr := s.handler.CheckContentType(r); ctErr != nil {
		s.handler.WriteSCIMError(w, ctErr)
		return
	}
	var patch PatchOp
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.handler.WriteSCIMError(w, ErrInvalidSyntax("request body is not valid JSON"))
		return
	}
	if err := ValidatePatchOp(&patch); err != nil {
		s.writeError(w, r, kind, id, err)
		return
	}

	evaluator := PatchEvaluator{Kind: kind, Flags: flags}
	result, err := evaluator.Apply(current.Payload, patch.Operations)
	if err != nil {
		s.writeError(w, r, kind, id, err)
		return
	}

	// Pre-resolve every member referenced by the operation list before
	// any write happens.
	resolved := make([][]store.Member, len(result.MemberOps))
	for i, mop := range result.MemberOps {
		if mop.Op == "remove" || mop.All {
			continue
		}
		members, err := s.resolveMembers(r, ep.ID, mop.Members)
		if err != nil {
			s.writeError(w, r, kind, id, err)
			return
		}
		resolved[i] = members
	}

	projected, err := ExtractProjected(result.Payload)
	if err != nil {
		s.writeError(w, r, kind, id, err)
		return
	}
	if projected.RequiredValue(kind) == "" {
		s.writeError(w, r, kind, id, ErrInvalidValue(fmt.Sprintf("%s cannot be removed", kind.RequiredAttr)))
		return
	}

	updated, err := s.store.UpdateResource(ctx, ep.ID, id, store.UpdateResourceInput{
		ExternalID:    projected.ExternalID,
		UserName:      projected.UserName,
		DisplayName:   projected.DisplayName,
		Active:        projected.Active,
		Payload:       result.Payload,
		ExpectVersion: current.Version,
	})
	if err != nil {
		s.writeError(w, r, kind, id, err)
		return
	}

	for i, mop := range result.MemberOps {
		if err := s.applyMemberOp(r, ep.ID, id, mop, resolved[i]); err != nil {
			s.writeError(w, r, kind, id, err)
			return
		}
	}

	var members []store.Member
	if kind.HasMembers {
		if members, err = s.store.ListMembers(ctx, ep.ID, id); err != nil {
			s.writeError(w, r, kind, id, err)
			return
		}
	}

	if flags.VerbosePatch {
		s.logger.Debug(ctx, logging.CategoryPatch, "patch applied", map[string]any{
			"id":         id,
			"operations": describeOps(patch.Operations),
			"attributes": attributeNames(result.Payload),
		})
	}
	s.logger.Info(ctx, s.category(kind), kind.Name+" patched", map[string]any{"id": id})

	body := s.handler.BuildResource(ep.ID, kind, updated, members)
	SetETag(w, updated.Version)
	s.handler.WriteJSON(w, http.StatusOK, body)
}

// handleDelete answers DELETE /Users/{id} and DELETE /Groups/{id}.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, kind Kind) {
	ctx := r.Context()
	ep := EndpointFromContext(ctx)
	id := r.PathValue("id")

	current, err := s.store.GetResource(ctx, ep.ID, id)
	if err != nil {
		s.writeError(w, r, kind, id, err)
		return
	}
	if err := CheckIfMatch(r, current.Version); err != nil {
		s.writeError(w, r, kind, id, err)
		return
	}
	if err := s.store.DeleteResource(ctx, ep.ID, id); err != nil {
		s.writeError(w, r, kind, id, err)
		return
	}

	s.logger.Info(ctx, s.category(kind), kind.Name+" deleted", map[string]any{"id": id})
	w.WriteHeader(http.StatusNoContent)
}

// applyMemberOp executes one membership mutation against the edge store.
func (s *Server) applyMemberOp(r *http.Request, endpointID, groupID string, mop MemberOp, resolved []store.Member) error {
	ctx := r.Context()
	switch {
	case mop.All:
		return s.store.ReplaceMembers(ctx, endpointID, groupID, nil)
	case mop.Op == "replace":
		return s.store.ReplaceMembers(ctx, endpointID, groupID, resolved)
	case mop.Op == "add":
		return s.store.AddMembers(ctx, endpointID, groupID, resolved)
	case mop.Filter != nil:
		current, err := s.store.ListMembers(ctx, endpointID, groupID)
		if err != nil {
			return err
		}
		var ids []string
		for _, m := range current {
			doc := map[string]any{"value": m.MemberID, "display": m.Display, "type": m.Type}
			if Evaluate(mop.Filter, doc) {
				ids = append(ids, m.MemberID)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		return s.store.RemoveMembers(ctx, endpointID, groupID, ids)
	default: // remove with an explicit member list
		ids := make([]string, 0, len(mop.Members))
		for _, ref := range mop.Members {
			ids = append(ids, ref.Value)
		}
		return s.store.RemoveMembers(ctx, endpointID, groupID, ids)
	}
}

// resolveMembers verifies every referenced member exists in the endpoint
// and fills display and type from the target resource.
func (s *Server) resolveMembers(r *http.Request, endpointID string, refs []MemberRef) ([]store.Member, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	members := make([]store.Member, 0, len(refs))
	for _, ref := range refs {
		target, err := s.store.GetResource(r.Context(), endpointID, ref.Value)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrInvalidValue(fmt.Sprintf("member %s does not exist", ref.Value))
			}
			return nil, err
		}
		m := store.Member{
			MemberID: target.SCIMID,
			Display:  ref.Display,
			Type:     target.Type,
		}
		if m.Display == "" {
			if target.DisplayName != "" {
				m.Display = target.DisplayName
			} else {
				m.Display = target.UserName
			}
		}
		members = append(members, m)
	}
	return members, nil
}

func withGroup(groupID string, members []store.Member) []store.Member {
	for i := range members {
		members[i].GroupID = groupID
	}
	return members
}

// decodeBody enforces the write Content-Type and parses the JSON body.
func (s *Server) decodeBody(r *http.Request) (map[string]any, *SCIMError) {
	if err := s.handler.CheckContentType(r); err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		return nil, ErrInvalidSyntax("request body is not valid JSON")
	}
	return doc, nil
}

// defaultActive applies the SCIM convention that a user created without
// an explicit active value is active.
func defaultActive(payload map[string]any, p *Projected) {
	if p.Active != nil {
		return
	}
	if _, ok := payload[canonicalKey(payload, "active")]; ok {
		return
	}
	payload["active"] = true
	p.Active = Bool(true)
}

func describeOps(ops []PatchOperation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		if op.Path == "" {
			out[i] = strings.ToLower(op.Op)
			continue
		}
		out[i] = strings.ToLower(op.Op) + " " + op.Path
	}
	return out
}

func attributeNames(payload map[string]any) []string {
	names := make([]string, 0, len(payload))
	for k := range payload {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
