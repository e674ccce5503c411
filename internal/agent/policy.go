package agent

import (
	"embed"
	"strings"
	"text/template"

	"github.com/m-mizutani/goerr/v2"

	"mnemo/internal/config"
	"mnemo/internal/memory"
	"mnemo/internal/session"
)

//go:embed prompt/*.md
var promptFS embed.FS

// Policy renders the four prompts a turn sends. The intent and persistence
// rubrics are independent templates and can be replaced from config without
// touching the pipeline.
type Policy struct {
	intent      *template.Template
	query       *template.Template
	response    *template.Template
	persistence *template.Template
}

var funcs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}

// NewPolicy parses the built-in templates, replacing any that overrides sets.
func NewPolicy(overrides config.PromptConfig) (*Policy, error) {
	load := func(name, override string) (*template.Template, error) {
		src := override
		if src == "" {
			data, err := promptFS.ReadFile("prompt/" + name + ".md")
			if err != nil {
				return nil, goerr.Wrap(err, "failed to read prompt", goerr.V("name", name))
			}
			src = string(data)
		}
		t, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(src)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to parse prompt", goerr.V("name", name))
		}
		return t, nil
	}

	var (
		p   Policy
		err error
	)
	if p.intent, err = load("intent", overrides.Intent); err != nil {
		return nil, err
	}
	if p.query, err = load("query", overrides.Query); err != nil {
		return nil, err
	}
	if p.response, err = load("response", overrides.Response); err != nil {
		return nil, err
	}
	if p.persistence, err = load("persistence", overrides.Persistence); err != nil {
		return nil, err
	}
	return &p, nil
}

// DefaultPolicy returns the built-in templates. It panics only if the
// embedded templates fail to parse.
func DefaultPolicy() *Policy {
	p, err := NewPolicy(config.PromptConfig{})
	if err != nil {
		panic(err)
	}
	return p
}

type utteranceData struct {
	Utterance string
}

type responseData struct {
	Recent    []session.Turn
	Utterance string
	Records   []memory.Record
}

type persistenceData struct {
	Utterance string
	Reply     string
}

func (p *Policy) IntentPrompt(utterance string) (string, error) {
	return render(p.intent, utteranceData{Utterance: utterance})
}

func (p *Policy) QueryPrompt(utterance string) (string, error) {
	return render(p.query, utteranceData{Utterance: utterance})
}

func (p *Policy) ResponsePrompt(recent []session.Turn, utterance string, records []memory.Record) (string, error) {
	return render(p.response, responseData{Recent: recent, Utterance: utterance, Records: records})
}

func (p *Policy) PersistencePrompt(utterance, reply string) (string, error) {
	return render(p.persistence, persistenceData{Utterance: utterance, Reply: reply})
}

func render(t *template.Template, data any) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", goerr.Wrap(err, "failed to render prompt", goerr.V("name", t.Name()))
	}
	return sb.String(), nil
}
