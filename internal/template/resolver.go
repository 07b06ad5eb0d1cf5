package template

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Resolution is the outcome of mapping a function slug to a template.
type Resolution struct {
	Function   Function
	Template   Template
	Assignment Assignment
}

type Resolver struct {
	repo Repository
}

func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve picks the active template with the lowest assignment priority for
// an active function. Ties go to the oldest assignment. Infrastructure
// failures are returned as plain errors; everything else is a
// *ResolutionError.
func (r *Resolver) Resolve(ctx context.Context, slug string) (Resolution, error) {
	fn, err := r.repo.FunctionBySlug(ctx, slug)
	if errors.Is(err, ErrNotFound) {
		return Resolution{}, &ResolutionError{Slug: slug, Reason: ReasonUnknownFunction}
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("load function: %w", err)
	}
	if !fn.IsActive {
		return Resolution{}, &ResolutionError{Slug: slug, Reason: ReasonInactiveFunction}
	}

	candidates, err := r.repo.Candidates(ctx, fn.ID)
	if err != nil {
		return Resolution{}, fmt.Errorf("load assignments: %w", err)
	}
	best, ok := pick(candidates)
	if !ok {
		return Resolution{}, &ResolutionError{Slug: slug, Reason: ReasonNoTemplate}
	}
	return Resolution{Function: fn, Template: best.Template, Assignment: best.Assignment}, nil
}

// Function loads the function behind slug whatever its active flag, so
// callers can honor send-once before resolving a template.
func (r *Resolver) Function(ctx context.Context, slug string) (Function, error) {
	fn, err := r.repo.FunctionBySlug(ctx, slug)
	if errors.Is(err, ErrNotFound) {
		return Function{}, &ResolutionError{Slug: slug, Reason: ReasonUnknownFunction}
	}
	if err != nil {
		return Function{}, fmt.Errorf("load function: %w", err)
	}
	return fn, nil
}

// ForEntry reloads what a queued entry was resolved to, ignoring active
// flags so that deactivation never cancels a queued retry. When the
// template is gone it falls back to a fresh Resolve.
func (r *Resolver) ForEntry(ctx context.Context, slug string, templateID int64) (Resolution, error) {
	fn, err := r.Function(ctx, slug)
	if err != nil {
		return Resolution{}, err
	}
	if templateID > 0 {
		tpl, err := r.repo.TemplateByID(ctx, templateID)
		switch {
		case err == nil:
			return Resolution{Function: fn, Template: tpl}, nil
		case !errors.Is(err, ErrNotFound):
			return Resolution{}, fmt.Errorf("load template: %w", err)
		}
	}
	return r.Resolve(ctx, slug)
}

func pick(candidates []Candidate) (Candidate, bool) {
	live := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Assignment.IsActive && c.Template.IsActive {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		return Candidate{}, false
	}
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].Assignment.Priority != live[j].Assignment.Priority {
			return live[i].Assignment.Priority < live[j].Assignment.Priority
		}
		return live[i].Assignment.ID < live[j].Assignment.ID
	})
	return live[0], true
}
