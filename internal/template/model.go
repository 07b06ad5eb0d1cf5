// Package template stores notification functions, email templates and the
// prioritized assignments between them, and resolves a function slug to the
// template that should be rendered for it.
package template

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// Function is a logical notification event such as "password-reset".
type Function struct {
	ID                int64     `json:"id"`
	Slug              string    `json:"slug"`
	DisplayName       string    `json:"display_name"`
	Description       string    `json:"description"`
	Category          string    `json:"category"`
	RequiredVariables []string  `json:"required_variables"`
	SendOnce          bool      `json:"send_once"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
}

type Template struct {
	ID          int64     `json:"id"`
	Slug        string    `json:"slug"`
	Name        string    `json:"name"`
	Subject     string    `json:"subject"`
	HTMLContent string    `json:"html_content"`
	TextContent string    `json:"text_content"`
	Category    string    `json:"category"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Assignment links a template to a function. Lower priority wins.
type Assignment struct {
	ID         int64     `json:"id"`
	FunctionID int64     `json:"function_id"`
	TemplateID int64     `json:"template_id"`
	Priority   int       `json:"priority"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Candidate is an assignment joined with its template.
type Candidate struct {
	Assignment Assignment `json:"assignment"`
	Template   Template   `json:"template"`
}

// Filter narrows listings. Zero values match everything.
type Filter struct {
	Category string
	Active   *bool
}

func (f Filter) match(category string, active bool) bool {
	if f.Category != "" && f.Category != category {
		return false
	}
	if f.Active != nil && *f.Active != active {
		return false
	}
	return true
}

const (
	CategoryAuthentication = "authentication"
	CategoryOrders         = "orders"
	CategoryMarketing      = "marketing"
	CategoryNotifications  = "notifications"
	CategoryGeneral        = "general"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

func (f Function) Validate() error {
	if !slugPattern.MatchString(f.Slug) {
		return errors.New("slug must be lowercase words separated by dashes")
	}
	if strings.TrimSpace(f.DisplayName) == "" {
		return errors.New("display_name is required")
	}
	for _, v := range f.RequiredVariables {
		if !variablePattern.MatchString(v) {
			return errors.New("invalid required variable name " + v)
		}
	}
	return nil
}

func (t Template) Validate() error {
	if !slugPattern.MatchString(t.Slug) {
		return errors.New("slug must be lowercase words separated by dashes")
	}
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(t.Subject) == "" {
		return errors.New("subject is required")
	}
	if t.HTMLContent == "" && t.TextContent == "" {
		return errors.New("html_content or text_content is required")
	}
	return nil
}

func (a Assignment) Validate() error {
	if a.FunctionID <= 0 || a.TemplateID <= 0 {
		return errors.New("function_id and template_id are required")
	}
	if a.Priority < 0 {
		return errors.New("priority must not be negative")
	}
	return nil
}
