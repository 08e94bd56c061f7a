// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package update

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/microsoft/dockerargupdater/config"
)

// MessageTemplate renders commit messages from a user-provided text/template. The template has
// access to the sprig function library and receives a MessageData.
//
// Example, producing "deps(go-images): GO_VERSION 1.22.3 -> 1.22.4":
//
//	deps({{ .Repo.Name }}): {{ range $i, $c := .Changes }}{{ if $i }}, {{ end }}{{ $c.Argument }} {{ $c.OldValue }} -> {{ $c.NewValue }}{{ end }}
type MessageTemplate struct {
	t *template.Template
}

// MessageData is the data passed to a MessageTemplate.
type MessageData struct {
	Repo    *config.Repository
	Changes []Change
	// Default is the message CommitMessage would produce.
	Default string
}

// ParseMessageTemplate parses text. Empty text produces a template that renders CommitMessage.
func ParseMessageTemplate(text string) (*MessageTemplate, error) {
	if text == "" {
		return &MessageTemplate{}, nil
	}
	t, err := template.New("commit").Funcs(sprig.HermeticTxtFuncMap()).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse commit message template: %w", err)
	}
	return &MessageTemplate{t: t}, nil
}

// Execute renders the commit message for changes made to repo.
func (m *MessageTemplate) Execute(repo *config.Repository, changes []Change) (string, error) {
	def := CommitMessage(changes)
	if m == nil || m.t == nil {
		return def, nil
	}
	var b strings.Builder
	if err := m.t.Execute(&b, MessageData{Repo: repo, Changes: changes, Default: def}); err != nil {
		return "", fmt.Errorf("failed to render commit message template: %w", err)
	}
	msg := strings.TrimSpace(b.String())
	if msg == "" {
		return "", fmt.Errorf("commit message template rendered an empty message")
	}
	return msg, nil
}
