// Package waveplan loads and validates the wave plan: the YAML document
// naming the project, its domains with their dependency edges, worker
// agents, budget limits, and the stories for the wave. A plan passes three
// stages before use: JSON-schema shape validation, semantic checks
// (unknown domains, duplicate stories), and a dependency-cycle check.
package waveplan

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/coderwave/wave/internal/parallel"
)

//go:embed schema.json
var schemaBytes []byte

type (
	// Plan is a parsed, fully validated wave plan.
	Plan struct {
		Project string   `yaml:"project"`
		Wave    int      `yaml:"wave"`
		Budget  Budget   `yaml:"budget"`
		Domains []Domain `yaml:"domains"`
		Stories []Story  `yaml:"stories"`
	}

	// Budget carries the wave's spend limits. Zero means unlimited.
	Budget struct {
		TokenLimit   int64   `yaml:"token_limit"`
		CostLimitUSD float64 `yaml:"cost_limit_usd"`
	}

	// Domain is one isolated work area with its upstream dependencies.
	Domain struct {
		Name      string   `yaml:"name"`
		Agent     string   `yaml:"agent"`
		DependsOn []string `yaml:"depends_on"`
	}

	// Story is one unit of work bound to a domain.
	Story struct {
		ID           string `yaml:"id"`
		Title        string `yaml:"title"`
		Domain       string `yaml:"domain"`
		Priority     int    `yaml:"priority"`
		Points       int    `yaml:"points"`
		Requirements string `yaml:"requirements"`
	}
)

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(schemaBytes, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return schema, nil
})

// Load reads and parses the plan file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return p, nil
}

// Parse validates the YAML document against the embedded schema and the
// plan's semantic rules, and returns the plan.
func Parse(data []byte) (*Plan, error) {
	doc, err := yamlToJSON(data)
	if err != nil {
		return nil, err
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("plan does not match schema: %w", err)
	}

	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	if p.Wave == 0 {
		p.Wave = 1
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Graph is the plan's domain dependency graph.
func (p *Plan) Graph() parallel.Graph {
	g := parallel.Graph{Deps: make(map[string][]string)}
	for _, d := range p.Domains {
		g.Domains = append(g.Domains, d.Name)
		if len(d.DependsOn) > 0 {
			g.Deps[d.Name] = append([]string(nil), d.DependsOn...)
		}
	}
	return g
}

// Layers is the execution order the parallel executor will follow.
func (p *Plan) Layers() ([][]string, error) {
	return parallel.Layers(p.Graph())
}

// StoriesFor returns the stories bound to one domain, in plan order.
func (p *Plan) StoriesFor(domain string) []Story {
	var out []Story
	for _, s := range p.Stories {
		if s.Domain == domain {
			out = append(out, s)
		}
	}
	return out
}

// DomainNames returns the domain names in plan order.
func (p *Plan) DomainNames() []string {
	out := make([]string, 0, len(p.Domains))
	for _, d := range p.Domains {
		out = append(out, d.Name)
	}
	return out
}

func (p *Plan) validate() error {
	g := p.Graph()
	if err := g.Validate(); err != nil {
		return err
	}
	// Surfaces dependency cycles before any execution starts.
	if _, err := parallel.TopoSort(g); err != nil {
		return err
	}

	domains := make(map[string]bool, len(p.Domains))
	for _, d := range p.Domains {
		domains[d.Name] = true
	}
	seen := make(map[string]bool, len(p.Stories))
	for _, s := range p.Stories {
		if seen[s.ID] {
			return fmt.Errorf("duplicate story id %q", s.ID)
		}
		seen[s.ID] = true
		if !domains[s.Domain] {
			return fmt.Errorf("story %s references unknown domain %q", s.ID, s.Domain)
		}
	}
	return nil
}

// yamlToJSON re-marshals the YAML document through JSON so the schema
// validator sees canonical JSON value types.
func yamlToJSON(data []byte) (any, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert plan to json: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonBytes))
	if err != nil {
		return nil, fmt.Errorf("decode plan json: %w", err)
	}
	return doc, nil
}
