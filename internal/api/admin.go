package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/example/notification-dispatch/internal/template"
)

type functionBody struct {
	Slug              string   `json:"slug"`
	DisplayName       string   `json:"display_name"`
	Description       string   `json:"description"`
	Category          string   `json:"category"`
	RequiredVariables []string `json:"required_variables"`
	SendOnce          bool     `json:"send_once"`
	IsActive          *bool    `json:"is_active"`
}

func (b functionBody) function() template.Function {
	fn := template.Function{
		Slug:              b.Slug,
		DisplayName:       b.DisplayName,
		Description:       b.Description,
		Category:          b.Category,
		RequiredVariables: b.RequiredVariables,
		SendOnce:          b.SendOnce,
		IsActive:          b.IsActive == nil || *b.IsActive,
	}
	if fn.Category == "" {
		fn.Category = template.CategoryGeneral
	}
	return fn
}

func listFilter(r *http.Request) (template.Filter, error) {
	f := template.Filter{Category: r.URL.Query().Get("category")}
	if raw := r.URL.Query().Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			return f, invalid(errors.New("active must be a boolean"))
		}
		f.Active = &active
	}
	return f, nil
}

func (h *Handler) listFunctions(w http.ResponseWriter, r *http.Request) {
	f, err := listFilter(r)
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	fns, err := h.Templates.ListFunctions(r.Context(), f)
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"functions": fns})
}

func (h *Handler) createFunction(w http.ResponseWriter, r *http.Request) {
	var body functionBody
	if err := decode(r, &body); err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	fn := body.function()
	if err := fn.Validate(); err != nil {
		h.respondErr(r.Context(), w, invalid(err))
		return
	}
	created, err := h.Templates.CreateFunction(r.Context(), fn)
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) getFunction(w http.ResponseWriter, r *http.Request) {
	fn, err := h.Templates.FunctionBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, fn)
}

func (h *Handler) updateFunction(w http.ResponseWriter, r *http.Request) {
	var body functionBody
	if err := decode(r, &body); err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	body.Slug = chi.URLParam(r, "slug")
	fn := body.function()
	if err := fn.Validate(); err != nil {
		h.respondErr(r.Context(), w, invalid(err))
		return
	}
	updated, err := h.Templates.UpdateFunction(r.Context(), fn)
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) deleteFunction(w http.ResponseWriter, r *http.Request) {
	if err := h.Templates.DeleteFunction(r.Context(), chi.URLParam(r, "slug")); err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type templateBody struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Subject     string `json:"subject"`
	HTMLContent string `json:"html_content"`
	TextContent string `json:"text_content"`
	Category    string `json:"category"`
	IsActive    *bool  `json:"is_active"`
}

func (b templateBody) toTemplate() template.Template {
	t := template.Template{
		Slug:        b.Slug,
		Name:        b.Name,
		Subject:     b.Subject,
		HTMLContent: b.HTMLContent,
		TextContent: b.TextContent,
		Category:    b.Category,
		IsActive:    b.IsActive == nil || *b.IsActive,
	}
	if t.Category == "" {
		t.Category = template.CategoryGeneral
	}
	return t
}

type templateView struct {
	template.Template
	Placeholders []string `json:"placeholders"`
}

func (h *Handler) listTemplates(w http.ResponseWriter, r *http.Request) {
	f, err := listFilter(r)
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	tpls, err := h.Templates.ListTemplates(r.Context(), f)
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": tpls})
}

func (h *Handler) createTemplate(w http.ResponseWriter, r *http.Request) {
	var body templateBody
	if err := decode(r, &body); err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	t := body.toTemplate()
	if err := t.Validate(); err != nil {
		h.respondErr(r.Context(), w, invalid(err))
		return
	}
	created, err := h.Templates.CreateTemplate(r.Context(), t)
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, templateView{Template: created, Placeholders: template.Placeholders(created)})
}

func (h *Handler) getTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	t, err := h.Templates.TemplateByID(r.Context(), id)
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, templateView{Template: t, Placeholders: template.Placeholders(t)})
}

func (h *Handler) updateTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	var body templateBody
	if err := decode(r, &body); err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	t := body.toTemplate()
	t.ID = id
	if err := t.Validate(); err != nil {
		h.respondErr(r.Context(), w, invalid(err))
		return
	}
	updated, err := h.Templates.UpdateTemplate(r.Context(), t)
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, templateView{Template: updated, Placeholders: template.Placeholders(updated)})
}

func (h *Handler) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	if err := h.Templates.DeleteTemplate(r.Context(), id); err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listAssignments(w http.ResponseWriter, r *http.Request) {
	fn, err := h.Templates.FunctionBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	candidates, err := h.Templates.Candidates(r.Context(), fn.ID)
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"function": fn, "assignments": candidates})
}

type assignmentBody struct {
	Function   string `json:"function"`
	FunctionID int64  `json:"function_id"`
	TemplateID int64  `json:"template_id"`
	Priority   *int   `json:"priority"`
	IsActive   *bool  `json:"is_active"`
}

func (b assignmentBody) assignment() template.Assignment {
	a := template.Assignment{
		FunctionID: b.FunctionID,
		TemplateID: b.TemplateID,
		Priority:   1,
		IsActive:   b.IsActive == nil || *b.IsActive,
	}
	if b.Priority != nil {
		a.Priority = *b.Priority
	}
	return a
}

// assign accepts either function_id or the function slug.
func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	var body assignmentBody
	if err := decode(r, &body); err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	if body.FunctionID == 0 && body.Function != "" {
		fn, err := h.Templates.FunctionBySlug(r.Context(), body.Function)
		if err != nil {
			h.respondErr(r.Context(), w, err)
			return
		}
		body.FunctionID = fn.ID
	}
	a := body.assignment()
	if err := a.Validate(); err != nil {
		h.respondErr(r.Context(), w, invalid(err))
		return
	}
	saved, err := h.Templates.Assign(r.Context(), a)
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *Handler) updateAssignment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	var body assignmentBody
	if err := decode(r, &body); err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	a := body.assignment()
	a.ID = id
	if a.Priority < 0 {
		h.respondErr(r.Context(), w, invalid(errors.New("priority must not be negative")))
		return
	}
	saved, err := h.Templates.UpdateAssignment(r.Context(), a)
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *Handler) deleteAssignment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	if err := h.Templates.DeleteAssignment(r.Context(), id); err != nil {
		h.respondErr(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
