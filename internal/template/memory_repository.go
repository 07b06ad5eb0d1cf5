package template

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu          sync.RWMutex
	now         func() time.Time
	nextID      int64
	functions   map[string]Function
	templates   map[int64]Template
	assignments map[int64]Assignment
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:         time.Now,
		functions:   map[string]Function{},
		templates:   map[int64]Template{},
		assignments: map[int64]Assignment{},
	}
}

func (m *MemoryRepository) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemoryRepository) FunctionBySlug(_ context.Context, slug string) (Function, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn, ok := m.functions[slug]
	if !ok {
		return Function{}, ErrNotFound
	}
	return cloneFunction(fn), nil
}

func (m *MemoryRepository) ListFunctions(_ context.Context, f Filter) ([]Function, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Function, 0, len(m.functions))
	for _, fn := range m.functions {
		if f.match(fn.Category, fn.IsActive) {
			out = append(out, cloneFunction(fn))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (m *MemoryRepository) CreateFunction(_ context.Context, fn Function) (Function, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.functions[fn.Slug]; ok {
		return Function{}, ErrConflict
	}
	fn.ID = m.id()
	fn.CreatedAt = m.now()
	fn = cloneFunction(fn)
	m.functions[fn.Slug] = fn
	return cloneFunction(fn), nil
}

func (m *MemoryRepository) UpdateFunction(_ context.Context, fn Function) (Function, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.functions[fn.Slug]
	if !ok {
		return Function{}, ErrNotFound
	}
	fn.ID, fn.CreatedAt = cur.ID, cur.CreatedAt
	fn = cloneFunction(fn)
	m.functions[fn.Slug] = fn
	return cloneFunction(fn), nil
}

func (m *MemoryRepository) DeleteFunction(_ context.Context, slug string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn, ok := m.functions[slug]
	if !ok {
		return ErrNotFound
	}
	delete(m.functions, slug)
	for id, a := range m.assignments {
		if a.FunctionID == fn.ID {
			delete(m.assignments, id)
		}
	}
	return nil
}

func (m *MemoryRepository) TemplateByID(_ context.Context, id int64) (Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[id]
	if !ok {
		return Template{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryRepository) ListTemplates(_ context.Context, f Filter) ([]Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Template, 0, len(m.templates))
	for _, t := range m.templates {
		if f.match(t.Category, t.IsActive) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) CreateTemplate(_ context.Context, t Template) (Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.templates {
		if existing.Slug == t.Slug {
			return Template{}, ErrConflict
		}
	}
	t.ID = m.id()
	t.CreatedAt = m.now()
	t.UpdatedAt = t.CreatedAt
	m.templates[t.ID] = t
	return t, nil
}

func (m *MemoryRepository) UpdateTemplate(_ context.Context, t Template) (Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.templates[t.ID]
	if !ok {
		return Template{}, ErrNotFound
	}
	for _, existing := range m.templates {
		if existing.Slug == t.Slug && existing.ID != t.ID {
			return Template{}, ErrConflict
		}
	}
	t.CreatedAt = cur.CreatedAt
	t.UpdatedAt = m.now()
	m.templates[t.ID] = t
	return t, nil
}

func (m *MemoryRepository) DeleteTemplate(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.templates[id]; !ok {
		return ErrNotFound
	}
	delete(m.templates, id)
	for aid, a := range m.assignments {
		if a.TemplateID == id {
			delete(m.assignments, aid)
		}
	}
	return nil
}

func (m *MemoryRepository) Candidates(_ context.Context, functionID int64) ([]Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Candidate
	for _, a := range m.assignments {
		if a.FunctionID != functionID {
			continue
		}
		if t, ok := m.templates[a.TemplateID]; ok {
			out = append(out, Candidate{Assignment: a, Template: t})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Assignment.ID < out[j].Assignment.ID })
	return out, nil
}

func (m *MemoryRepository) Assign(_ context.Context, a Assignment) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.functionExists(a.FunctionID) {
		return Assignment{}, ErrNotFound
	}
	if _, ok := m.templates[a.TemplateID]; !ok {
		return Assignment{}, ErrNotFound
	}
	now := m.now()
	for id, cur := range m.assignments {
		if cur.FunctionID == a.FunctionID && cur.TemplateID == a.TemplateID {
			cur.Priority, cur.IsActive, cur.UpdatedAt = a.Priority, a.IsActive, now
			m.assignments[id] = cur
			return cur, nil
		}
	}
	a.ID = m.id()
	a.CreatedAt, a.UpdatedAt = now, now
	m.assignments[a.ID] = a
	return a, nil
}

func (m *MemoryRepository) UpdateAssignment(_ context.Context, a Assignment) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.assignments[a.ID]
	if !ok {
		return Assignment{}, ErrNotFound
	}
	cur.Priority, cur.IsActive, cur.UpdatedAt = a.Priority, a.IsActive, m.now()
	m.assignments[a.ID] = cur
	return cur, nil
}

func (m *MemoryRepository) DeleteAssignment(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assignments[id]; !ok {
		return ErrNotFound
	}
	delete(m.assignments, id)
	return nil
}

func (m *MemoryRepository) functionExists(id int64) bool {
	for _, fn := range m.functions {
		if fn.ID == id {
			return true
		}
	}
	return false
}

func cloneFunction(fn Function) Function {
	fn.RequiredVariables = append([]string(nil), fn.RequiredVariables...)
	return fn
}
