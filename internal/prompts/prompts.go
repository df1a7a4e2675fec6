// Package prompts holds the prompt templates sent to the AI gateway. A
// catalogue is a YAML document mapping template names to text/template
// bodies. The embedded default can be replaced by a file at startup.
package prompts

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Template names the pipeline renders.
const (
	Divergent = "divergent"
	Extract   = "extract"
	PhaseB    = "phase_b"
	PhaseC    = "phase_c"
	PhaseD    = "phase_d"
)

var required = []string{Divergent, Extract, PhaseB, PhaseC, PhaseD}

//go:embed default.yaml
var defaultYAML []byte

// Data is the value templates are executed against.
type Data struct {
	Topic           string
	HypothesisCount int
	Loop            int
	TotalLoops      int

	// Set for per-hypothesis phases.
	Title    string
	Summary  string
	Previous string

	// Set for extraction.
	Output string
}

type document struct {
	Version   int               `yaml:"version"`
	Templates map[string]string `yaml:"templates"`
}

// Catalogue is a parsed, validated set of templates. Safe for concurrent use.
type Catalogue struct {
	templates map[string]*template.Template
}

// Default returns the embedded catalogue.
func Default() *Catalogue {
	c, err := Parse(bytes.NewReader(defaultYAML))
	if err != nil {
		panic(fmt.Sprintf("prompts: embedded catalogue is invalid: %v", err))
	}
	return c
}

// Load reads a catalogue from path, or returns the default when path is empty.
func Load(path string) (*Catalogue, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("prompts: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	c, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("prompts: %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and compiles a catalogue. Every template the pipeline
// renders must be present.
func Parse(r io.Reader) (*Catalogue, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode catalogue: %w", err)
	}
	c := &Catalogue{templates: make(map[string]*template.Template, len(doc.Templates))}
	for name, body := range doc.Templates {
		t, err := template.New(name).Option("missingkey=error").Parse(body)
		if err != nil {
			return nil, fmt.Errorf("parse template %q: %w", name, err)
		}
		c.templates[name] = t
	}
	for _, name := range required {
		if _, ok := c.templates[name]; !ok {
			return nil, fmt.Errorf("missing template %q", name)
		}
	}
	return c, nil
}

// Render executes the named template.
func (c *Catalogue) Render(name string, data Data) (string, error) {
	t, ok := c.templates[name]
	if !ok {
		return "", fmt.Errorf("prompts: unknown template %q", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("prompts: render %s: %w", name, err)
	}
	return buf.String(), nil
}
