package templates

const defaultEntryCreation = `You are building a lorebook for the project "{{.ProjectName}}".

Below is the text of a page from the project's source material{{if .SourceURL}} ({{.SourceURL}}){{end}}.
Decide whether it describes a concrete piece of lore (a character, place,
item, faction, event or concept). Navigation pages, index pages, stubs and
meta pages are not lore.

Reply with a single JSON object and nothing else:
{
  "valid": true or false,
  "reason": "why the page was rejected (only when valid is false)",
  "entry": {
    "title": "short entry title",
    "content": "the entry text, rewritten as self-contained lore",
    "keywords": ["trigger", "words"]
  }
}

Page text:
{{.Content}}`

const defaultCharacterGeneration = `You are writing a roleplay character card for the project "{{.ProjectName}}".
{{if .MergeExisting}}
An earlier version of the card exists. Preserve its established facts and
voice; fold the new source material in rather than starting over.
{{end}}{{if .ExistingFields}}
Current card fields:
{{range $name, $value := .ExistingFields}}{{$name}}: {{$value}}
{{end}}{{end}}
Using the source material below, reply with a single JSON object and nothing
else:
{
  "name": "...",
  "description": "...",
  "persona": "...",
  "scenario": "...",
  "first_message": "...",
  "example_messages": "..."
}

Source material:
{{.Content}}`

const defaultFieldRegeneration = `You are revising one field of a roleplay character card for the project "{{.ProjectName}}".

Field to rewrite: {{.Field}}
{{if .CurrentValue}}Current value:
{{.CurrentValue}}
{{end}}{{if .ExistingFields}}Other card fields for context:
{{range $name, $value := .ExistingFields}}{{$name}}: {{$value}}
{{end}}{{end}}{{if .CustomPrompt}}Instructions from the user:
{{.CustomPrompt}}
{{end}}{{if .Content}}Relevant source material:
{{.Content}}
{{end}}
Reply with a single JSON object and nothing else:
{"new_content": "the rewritten field"}`

const defaultLorebookGeneration = `You are building a lorebook for the project "{{.ProjectName}}".

Extract every distinct piece of lore (characters, places, items, factions,
events, concepts) from the source material below.

Reply with a single JSON object and nothing else:
{
  "entries": [
    {"title": "...", "content": "...", "keywords": ["..."]}
  ]
}

Source material:
{{.Content}}`
