package template

import "context"

// Repository is the admin-facing store. Lookups return ErrNotFound and
// duplicate slugs return ErrConflict.
type Repository interface {
	FunctionBySlug(ctx context.Context, slug string) (Function, error)
	ListFunctions(ctx context.Context, f Filter) ([]Function, error)
	CreateFunction(ctx context.Context, fn Function) (Function, error)
	// UpdateFunction replaces the mutable fields of the function with fn.Slug.
	UpdateFunction(ctx context.Context, fn Function) (Function, error)
	DeleteFunction(ctx context.Context, slug string) error

	TemplateByID(ctx context.Context, id int64) (Template, error)
	ListTemplates(ctx context.Context, f Filter) ([]Template, error)
	CreateTemplate(ctx context.Context, t Template) (Template, error)
	UpdateTemplate(ctx context.Context, t Template) (Template, error)
	DeleteTemplate(ctx context.Context, id int64) error

	// Candidates lists every assignment of the function with its template,
	// active or not.
	Candidates(ctx context.Context, functionID int64) ([]Candidate, error)
	// Assign inserts the assignment or, when the pair already exists,
	// updates its priority and active flag.
	Assign(ctx context.Context, a Assignment) (Assignment, error)
	UpdateAssignment(ctx context.Context, a Assignment) (Assignment, error)
	DeleteAssignment(ctx context.Context, id int64) error
}
