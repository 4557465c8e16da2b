// Package templates renders the prompts sent to the AI provider. Projects
// may override any template; empty overrides fall back to the built-in
// defaults.
package templates

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/creeklabs/loreforge/internal/lore"
)

// EntryData feeds the entry-creation and lorebook templates.
type EntryData struct {
	ProjectName string
	Content     string
	SourceURL   string
}

// CharacterData feeds the character-generation template.
type CharacterData struct {
	ProjectName    string
	Content        string
	ExistingFields map[string]string
	MergeExisting  bool
}

// FieldData feeds the field-regeneration template.
type FieldData struct {
	ProjectName    string
	Field          string
	CurrentValue   string
	ExistingFields map[string]string
	CustomPrompt   string
	Content        string
}

// Set resolves a project's templates against the defaults.
type Set struct {
	entryCreation       string
	characterGeneration string
	fieldRegeneration   string
	lorebookGeneration  string
}

// ForProject builds the template Set for a project.
func ForProject(p lore.Project) Set {
	return Set{
		entryCreation:       fallback(p.Templates.EntryCreation, defaultEntryCreation),
		characterGeneration: fallback(p.Templates.CharacterGeneration, defaultCharacterGeneration),
		fieldRegeneration:   fallback(p.Templates.FieldRegeneration, defaultFieldRegeneration),
		lorebookGeneration:  fallback(p.Templates.LorebookGeneration, defaultLorebookGeneration),
	}
}

// EntryCreation renders the per-link entry prompt.
func (s Set) EntryCreation(data EntryData) (string, error) {
	return render("entry_creation", s.entryCreation, data)
}

// CharacterGeneration renders the full-card prompt.
func (s Set) CharacterGeneration(data CharacterData) (string, error) {
	return render("character_generation", s.characterGeneration, data)
}

// FieldRegeneration renders the single-field prompt.
func (s Set) FieldRegeneration(data FieldData) (string, error) {
	return render("field_regeneration", s.fieldRegeneration, data)
}

// LorebookGeneration renders the batch entry prompt.
func (s Set) LorebookGeneration(data EntryData) (string, error) {
	return render("lorebook_generation", s.lorebookGeneration, data)
}

func render(name, text string, data any) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", name, err)
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s template: %w", name, err)
	}
	return buf.String(), nil
}

func fallback(override, def string) string {
	if strings.TrimSpace(override) == "" {
		return def
	}
	return override
}
