package templates

import (
	"errors"
	"fmt"
	htmltemplate "html/template"
	"io/fs"
	"strings"
	texttemplate "text/template"
)

// ErrTemplateNotFound indicates that no candidate in a fallback chain exists.
var ErrTemplateNotFound = errors.New("templates: no template found")

// Resolver loads and renders message templates from a filesystem. Templates
// live under one directory per message key:
//
//	{key}/subject.txt            base subject
//	{key}/subject_{channel}.txt  channel-specific subject
//	{key}/body.html|.txt         base body
//	{key}/body_{channel}.txt     channel-specific body (push, sms, web_push)
//	{key}/body_email.html        email body
//	{key}/body_excerpt.html|.txt inbox excerpt
//
// HTML templates are rendered with escaping, text templates verbatim.
type Resolver struct {
	fsys fs.FS
}

// NewResolver constructs a resolver over the provided filesystem.
func NewResolver(fsys fs.FS) *Resolver {
	return &Resolver{fsys: fsys}
}

// Subject renders the channel subject, falling back to the base subject.
// The result is collapsed to a single line.
func (r *Resolver) Subject(key, channel string, data any) (string, error) {
	out, err := r.render(data,
		fmt.Sprintf("%s/subject_%s.txt", key, channel),
		fmt.Sprintf("%s/subject.txt", key),
	)
	if err != nil {
		return "", err
	}
	return singleLine(out), nil
}

// BaseSubject renders the base subject used for the inbox representation.
func (r *Resolver) BaseSubject(key string, data any) (string, error) {
	out, err := r.render(data, fmt.Sprintf("%s/subject.txt", key))
	if err != nil {
		return "", err
	}
	return singleLine(out), nil
}

// Body renders the channel body. Email only accepts the email template;
// other channels fall back to the base text body.
func (r *Resolver) Body(key, channel string, data any) (string, error) {
	if channel == "email" {
		return r.render(data, fmt.Sprintf("%s/body_email.html", key))
	}
	return r.render(data,
		fmt.Sprintf("%s/body_%s.txt", key, channel),
		fmt.Sprintf("%s/body.txt", key),
	)
}

// FullBody renders the complete inbox body.
func (r *Resolver) FullBody(key string, data any) (string, error) {
	return r.render(data,
		fmt.Sprintf("%s/body.html", key),
		fmt.Sprintf("%s/body.txt", key),
	)
}

// Excerpt renders the short inbox body stored on the message, preferring the
// dedicated excerpt templates.
func (r *Resolver) Excerpt(key string, data any) (string, error) {
	return r.render(data,
		fmt.Sprintf("%s/body_excerpt.html", key),
		fmt.Sprintf("%s/body_excerpt.txt", key),
		fmt.Sprintf("%s/body.html", key),
		fmt.Sprintf("%s/body.txt", key),
	)
}

// CheckBase verifies that the base subject and body templates exist for a
// message key. Message creation fails when they do not.
func (r *Resolver) CheckBase(key string) error {
	if !r.exists(fmt.Sprintf("%s/subject.txt", key)) {
		return fmt.Errorf("%w: subject for key %q", ErrTemplateNotFound, key)
	}
	if !r.exists(fmt.Sprintf("%s/body.html", key)) && !r.exists(fmt.Sprintf("%s/body.txt", key)) {
		return fmt.Errorf("%w: body for key %q", ErrTemplateNotFound, key)
	}
	return nil
}

func (r *Resolver) exists(name string) bool {
	_, err := fs.Stat(r.fsys, name)
	return err == nil
}

func (r *Resolver) render(data any, candidates ...string) (string, error) {
	for _, name := range candidates {
		raw, err := fs.ReadFile(r.fsys, name)
		if err != nil {
			continue
		}

		var sb strings.Builder
		if strings.HasSuffix(name, ".html") {
			tmpl, err := htmltemplate.New(name).Parse(string(raw))
			if err != nil {
				return "", fmt.Errorf("templates: parse %s: %w", name, err)
			}
			if err := tmpl.Execute(&sb, data); err != nil {
				return "", fmt.Errorf("templates: render %s: %w", name, err)
			}
		} else {
			tmpl, err := texttemplate.New(name).Parse(string(raw))
			if err != nil {
				return "", fmt.Errorf("templates: parse %s: %w", name, err)
			}
			if err := tmpl.Execute(&sb, data); err != nil {
				return "", fmt.Errorf("templates: render %s: %w", name, err)
			}
		}

		return strings.TrimSpace(sb.String()), nil
	}

	return "", fmt.Errorf("%w: tried %s", ErrTemplateNotFound, strings.Join(candidates, ", "))
}

func singleLine(s string) string {
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}
