package api

import (
	"net/http"
	"strconv"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
	"github.com/platinummonkey/tenantguard/pkg/crm"
	"github.com/platinummonkey/tenantguard/pkg/httputil"
	"github.com/platinummonkey/tenantguard/pkg/scope"
)

// contactFilters are the query parameters passed through as equality filters.
// The repository still checks each column against its own allow list.
var contactFilters = []string{"stage", "source", "email", "last_name", "owner_user_id"}

func contactQuery(r *http.Request) (scope.Query, error) {
	limit, err := httputil.ParseQueryInt(r, "limit", scope.DefaultLimit)
	if err != nil {
		return scope.Query{}, err
	}
	offset, err := httputil.ParseQueryInt(r, "offset", 0)
	if err != nil {
		return scope.Query{}, err
	}
	desc, err := httputil.ParseQueryBool(r, "desc", false)
	if err != nil {
		return scope.Query{}, err
	}

	q := scope.Query{
		Filters: map[string]interface{}{},
		OrderBy: r.URL.Query().Get("order_by"),
		Desc:    desc,
		Limit:   limit,
		Offset:  offset,
	}
	for _, key := range contactFilters {
		v := r.URL.Query().Get(key)
		if v == "" {
			continue
		}
		if key == "owner_user_id" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return scope.Query{}, authzerr.New(authzerr.KindInvalidArgument, "invalid owner_user_id: %s", v)
			}
			q.Filters[key] = id
			continue
		}
		q.Filters[key] = v
	}
	return q, nil
}

func (s *Server) listContacts(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOrError(w, r)
	if !ok {
		return
	}
	q, err := contactQuery(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	contacts, err := s.contacts.List(r.Context(), p, q)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if contacts == nil {
		contacts = []*crm.Contact{}
	}
	httputil.WriteSuccess(w, contacts)
}

func (s *Server) getContact(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOrError(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	contact, err := s.contacts.Get(r.Context(), p, id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, contact)
}

func (s *Server) createContact(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOrError(w, r)
	if !ok {
		return
	}
	var c crm.Contact
	if !httputil.ParseJSONOrError(w, r, &c) {
		return
	}
	createdBy := p.UserID
	c.CreatedBy = &createdBy

	created, err := s.contacts.Create(r.Context(), p, &c)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteCreated(w, created)
}

func (s *Server) updateContact(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOrError(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var c crm.Contact
	if !httputil.ParseJSONOrError(w, r, &c) {
		return
	}
	if c.ID == 0 {
		c.ID = id
	}

	updated, err := s.contacts.Update(r.Context(), p, id, &c)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, updated)
}

func (s *Server) deleteContact(w http.ResponseWriter, r *http.Request) {
	p, ok := principalOrError(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	if err := s.contacts.Delete(r.Context(), p, id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}
