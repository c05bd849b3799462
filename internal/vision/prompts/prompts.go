// Package prompts maps document roles to the extraction prompts sent to
// the vision model.
package prompts

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"text/template"

	"github.com/pavelanni/gradescan/internal/model"
)

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[model.DocumentRole]*template.Template
)

// Data holds template data for extraction prompts.
type Data struct {
	Subject string
	Topic   string
}

// Load parses the role prompt templates from the embedded filesystem.
// It uses sync.Once so templates are loaded only once.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		templates = make(map[model.DocumentRole]*template.Template)

		for _, role := range model.DocumentRoles() {
			file := "prompts/" + string(role) + ".txt"
			content, err := fs.ReadFile(fsys, file)
			if err != nil {
				loadErr = errors.New("failed to read prompt file " + file + ": " + err.Error())
				return
			}
			tmpl, err := template.New(string(role)).Parse(string(content))
			if err != nil {
				loadErr = errors.New("failed to parse prompt template " + file + ": " + err.Error())
				return
			}
			templates[role] = tmpl
		}
	})
	return loadErr
}

// Build renders the extraction prompt for a document role.
func Build(role model.DocumentRole, data Data) (string, error) {
	if templates == nil {
		return "", errors.New("templates not initialized: call Load first")
	}
	tmpl, ok := templates[role]
	if !ok {
		if loadErr != nil {
			return "", fmt.Errorf("templates load failed: %w", loadErr)
		}
		return "", errors.New("no prompt for role: " + string(role))
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
