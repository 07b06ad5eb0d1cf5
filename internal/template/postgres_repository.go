package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/notification-dispatch/internal/common"
)

const functionColumns = `id, slug, display_name, description, category, required_variables, send_once, is_active, created_at`

const templateColumns = `id, slug, name, subject, html_content, text_content, category, is_active, created_at, updated_at`

const assignmentColumns = `id, function_id, template_id, priority, is_active, created_at, updated_at`

const selectFunctionBySlug = `SELECT ` + functionColumns + ` FROM notification_functions WHERE slug = $1`

const listFunctions = `
SELECT ` + functionColumns + `
FROM notification_functions
WHERE ($1 = '' OR category = $1) AND ($2::boolean IS NULL OR is_active = $2)
ORDER BY slug
`

const insertFunction = `
INSERT INTO notification_functions (slug, display_name, description, category, required_variables, send_once, is_active)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING ` + functionColumns

const updateFunction = `
UPDATE notification_functions
SET display_name = $2, description = $3, category = $4, required_variables = $5, send_once = $6, is_active = $7
WHERE slug = $1
RETURNING ` + functionColumns

const deleteFunction = `DELETE FROM notification_functions WHERE slug = $1`

const selectTemplateByID = `SELECT ` + templateColumns + ` FROM email_templates WHERE id = $1`

const listTemplates = `
SELECT ` + templateColumns + `
FROM email_templates
WHERE ($1 = '' OR category = $1) AND ($2::boolean IS NULL OR is_active = $2)
ORDER BY id
`

const insertTemplate = `
INSERT INTO email_templates (slug, name, subject, html_content, text_content, category, is_active)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING ` + templateColumns

const updateTemplate = `
UPDATE email_templates
SET slug = $2, name = $3, subject = $4, html_content = $5, text_content = $6, category = $7, is_active = $8, updated_at = now()
WHERE id = $1
RETURNING ` + templateColumns

const deleteTemplate = `DELETE FROM email_templates WHERE id = $1`

const selectCandidates = `
SELECT a.id, a.function_id, a.template_id, a.priority, a.is_active, a.created_at, a.updated_at,
       t.id, t.slug, t.name, t.subject, t.html_content, t.text_content, t.category, t.is_active, t.created_at, t.updated_at
FROM function_template_assignments a
JOIN email_templates t ON t.id = a.template_id
WHERE a.function_id = $1
ORDER BY a.priority, a.id
`

const upsertAssignment = `
INSERT INTO function_template_assignments (function_id, template_id, priority, is_active)
VALUES ($1,$2,$3,$4)
ON CONFLICT (function_id, template_id)
DO UPDATE SET priority = EXCLUDED.priority, is_active = EXCLUDED.is_active, updated_at = now()
RETURNING ` + assignmentColumns

const updateAssignment = `
UPDATE function_template_assignments
SET priority = $2, is_active = $3, updated_at = now()
WHERE id = $1
RETURNING ` + assignmentColumns

const deleteAssignment = `DELETE FROM function_template_assignments WHERE id = $1`

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) FunctionBySlug(ctx context.Context, slug string) (Function, error) {
	fn, err := scanFunction(r.pool.QueryRow(ctx, selectFunctionBySlug, slug))
	if err != nil {
		return Function{}, fmt.Errorf("select function: %w", notFound(err))
	}
	return fn, nil
}

func (r *PostgresRepository) ListFunctions(ctx context.Context, f Filter) ([]Function, error) {
	rows, err := r.pool.Query(ctx, listFunctions, f.Category, f.Active)
	if err != nil {
		return nil, fmt.Errorf("list functions: %w", err)
	}
	defer rows.Close()
	var out []Function
	for rows.Next() {
		fn, err := scanFunction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fn)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CreateFunction(ctx context.Context, fn Function) (Function, error) {
	vars, err := marshalVariables(fn.RequiredVariables)
	if err != nil {
		return Function{}, err
	}
	created, err := scanFunction(r.pool.QueryRow(ctx, insertFunction,
		fn.Slug, fn.DisplayName, fn.Description, fn.Category, vars, fn.SendOnce, fn.IsActive))
	if err != nil {
		return Function{}, fmt.Errorf("insert function: %w", conflict(err))
	}
	return created, nil
}

func (r *PostgresRepository) UpdateFunction(ctx context.Context, fn Function) (Function, error) {
	vars, err := marshalVariables(fn.RequiredVariables)
	if err != nil {
		return Function{}, err
	}
	updated, err := scanFunction(r.pool.QueryRow(ctx, updateFunction,
		fn.Slug, fn.DisplayName, fn.Description, fn.Category, vars, fn.SendOnce, fn.IsActive))
	if err != nil {
		return Function{}, fmt.Errorf("update function: %w", notFound(err))
	}
	return updated, nil
}

func (r *PostgresRepository) DeleteFunction(ctx context.Context, slug string) error {
	return r.exec(ctx, "delete function", deleteFunction, slug)
}

func (r *PostgresRepository) TemplateByID(ctx context.Context, id int64) (Template, error) {
	t, err := scanTemplate(r.pool.QueryRow(ctx, selectTemplateByID, id))
	if err != nil {
		return Template{}, fmt.Errorf("select template: %w", notFound(err))
	}
	return t, nil
}

func (r *PostgresRepository) ListTemplates(ctx context.Context, f Filter) ([]Template, error) {
	rows, err := r.pool.Query(ctx, listTemplates, f.Category, f.Active)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()
	var out []Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CreateTemplate(ctx context.Context, t Template) (Template, error) {
	created, err := scanTemplate(r.pool.QueryRow(ctx, insertTemplate,
		t.Slug, t.Name, t.Subject, t.HTMLContent, t.TextContent, t.Category, t.IsActive))
	if err != nil {
		return Template{}, fmt.Errorf("insert template: %w", conflict(err))
	}
	return created, nil
}

func (r *PostgresRepository) UpdateTemplate(ctx context.Context, t Template) (Template, error) {
	updated, err := scanTemplate(r.pool.QueryRow(ctx, updateTemplate,
		t.ID, t.Slug, t.Name, t.Subject, t.HTMLContent, t.TextContent, t.Category, t.IsActive))
	if err != nil {
		return Template{}, fmt.Errorf("update template: %w", conflict(notFound(err)))
	}
	return updated, nil
}

func (r *PostgresRepository) DeleteTemplate(ctx context.Context, id int64) error {
	return r.exec(ctx, "delete template", deleteTemplate, id)
}

func (r *PostgresRepository) Candidates(ctx context.Context, functionID int64) ([]Candidate, error) {
	rows, err := r.pool.Query(ctx, selectCandidates, functionID)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	defer rows.Close()
	var out []Candidate
	for rows.Next() {
		var c Candidate
		a, t := &c.Assignment, &c.Template
		if err := rows.Scan(
			&a.ID, &a.FunctionID, &a.TemplateID, &a.Priority, &a.IsActive, &a.CreatedAt, &a.UpdatedAt,
			&t.ID, &t.Slug, &t.Name, &t.Subject, &t.HTMLContent, &t.TextContent, &t.Category, &t.IsActive, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Assign(ctx context.Context, a Assignment) (Assignment, error) {
	out, err := scanAssignment(r.pool.QueryRow(ctx, upsertAssignment, a.FunctionID, a.TemplateID, a.Priority, a.IsActive))
	if err != nil {
		if common.IsForeignKeyViolation(err) {
			return Assignment{}, fmt.Errorf("upsert assignment: %w", ErrNotFound)
		}
		return Assignment{}, fmt.Errorf("upsert assignment: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) UpdateAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	out, err := scanAssignment(r.pool.QueryRow(ctx, updateAssignment, a.ID, a.Priority, a.IsActive))
	if err != nil {
		return Assignment{}, fmt.Errorf("update assignment: %w", notFound(err))
	}
	return out, nil
}

func (r *PostgresRepository) DeleteAssignment(ctx context.Context, id int64) error {
	return r.exec(ctx, "delete assignment", deleteAssignment, id)
}

func (r *PostgresRepository) exec(ctx context.Context, op, query string, arg any) error {
	tag, err := r.pool.Exec(ctx, query, arg)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanFunction(row pgx.Row) (Function, error) {
	var (
		fn   Function
		vars []byte
	)
	if err := row.Scan(&fn.ID, &fn.Slug, &fn.DisplayName, &fn.Description, &fn.Category,
		&vars, &fn.SendOnce, &fn.IsActive, &fn.CreatedAt); err != nil {
		return Function{}, err
	}
	if err := json.Unmarshal(vars, &fn.RequiredVariables); err != nil {
		return Function{}, fmt.Errorf("decode required variables of %s: %w", fn.Slug, err)
	}
	return fn, nil
}

func scanTemplate(row pgx.Row) (Template, error) {
	var t Template
	err := row.Scan(&t.ID, &t.Slug, &t.Name, &t.Subject, &t.HTMLContent, &t.TextContent,
		&t.Category, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func scanAssignment(row pgx.Row) (Assignment, error) {
	var a Assignment
	err := row.Scan(&a.ID, &a.FunctionID, &a.TemplateID, &a.Priority, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func marshalVariables(vars []string) ([]byte, error) {
	if vars == nil {
		vars = []string{}
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("encode required variables: %w", err)
	}
	return b, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func conflict(err error) error {
	if common.IsUniqueViolation(err) {
		return ErrConflict
	}
	return err
}
