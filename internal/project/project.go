// Package project loads the render graph description: the project-wide
// frame range and the output nodes that can be rendered.
package project

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"renderq/internal/pkg/errors"
	"renderq/internal/render"
)

const (
	KindWriter = "writer"
	KindViewer = "viewer"
)

// Range is an inclusive frame range.
type Range struct {
	First int `yaml:"first" json:"first"`
	Last  int `yaml:"last" json:"last"`
}

// Project is a parsed project file.
type Project struct {
	Name    string    `yaml:"name"`
	Frames  Range     `yaml:"frame_range"`
	Proxy   float64   `yaml:"proxy_scale,omitempty"`
	Outputs []*Output `yaml:"outputs"`
	// Path is where the project was loaded from; empty for parsed data.
	Path string `yaml:"-"`
}

// Output is one renderable node of the project.
type Output struct {
	NodeName   string `yaml:"name"`
	Kind       string `yaml:"kind"`
	IsDisabled bool   `yaml:"disabled,omitempty"`
	Range      *Range `yaml:"frame_range,omitempty"`
	// Step is nil when the key is absent, which means 1.
	Step        *int             `yaml:"frame_step,omitempty"`
	Encoder     string           `yaml:"encoder,omitempty"`
	BeforeFrame string           `yaml:"before_frame,omitempty"`
	AfterFrame  string           `yaml:"after_frame,omitempty"`
	ViewList    []render.ViewIdx `yaml:"views,omitempty"`
	// File is the destination pattern of a writer, passed to the evaluator.
	File string `yaml:"file,omitempty"`

	mu         sync.Mutex
	persistent error
}

var _ render.Output = (*Output)(nil)

// Load reads and parses the project file at path.
func Load(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "project.load", "cannot read project %s", path)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, err
	}
	p.Path = path
	return p, nil
}

// Parse decodes a project document. Unknown keys are rejected.
func Parse(data []byte) (*Project, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Project
	if err := dec.Decode(&p); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeValidation, "project.parse", "invalid project document")
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Project) validate() error {
	seen := make(map[string]bool, len(p.Outputs))
	for i, o := range p.Outputs {
		if o == nil {
			return errors.Validationf("output %d is empty", i)
		}
		name := strings.TrimSpace(o.NodeName)
		if name == "" {
			return errors.ValidationField("name", fmt.Sprintf("output %d has no name", i))
		}
		if seen[name] {
			return errors.ValidationField("name", "duplicate output "+name)
		}
		seen[name] = true

		switch o.Kind {
		case "":
			o.Kind = KindWriter
		case KindWriter, KindViewer:
		default:
			return errors.ValidationField("kind", fmt.Sprintf("output %s has unknown kind %q", name, o.Kind))
		}
	}
	if p.Proxy <= 0 {
		p.Proxy = 1
	}
	return nil
}

// Marshal encodes the project back to YAML.
func (p *Project) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, errors.Wrap(err, "project.marshal", "cannot encode project")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "project.marshal", "cannot encode project")
	}
	return buf.Bytes(), nil
}

// FrameRange implements render.ProjectRange.
func (p *Project) FrameRange() (int, int) {
	return p.Frames.First, p.Frames.Last
}

// ProxyScale implements render.ProjectRange.
func (p *Project) ProxyScale() float64 {
	if p.Proxy <= 0 {
		return 1
	}
	return p.Proxy
}

// Output returns the output named name.
func (p *Project) Output(name string) (*Output, bool) {
	for _, o := range p.Outputs {
		if o.NodeName == name {
			return o, true
		}
	}
	return nil, false
}

// Writers returns the writer outputs sorted by name.
func (p *Project) Writers() []*Output {
	var ws []*Output
	for _, o := range p.Outputs {
		if o.IsWriter() {
			ws = append(ws, o)
		}
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].NodeName < ws[j].NodeName })
	return ws
}

// Resolve looks up every name, or all writers when names is empty.
func (p *Project) Resolve(names []string) ([]*Output, error) {
	if len(names) == 0 {
		ws := p.Writers()
		if len(ws) == 0 {
			return nil, errors.New(errors.CodeNotFound, "project has no writers")
		}
		return ws, nil
	}
	outs := make([]*Output, 0, len(names))
	for _, n := range names {
		o, ok := p.Output(n)
		if !ok {
			return nil, errors.NotFound("output", n)
		}
		outs = append(outs, o)
	}
	return outs, nil
}

func (o *Output) Name() string   { return o.NodeName }
func (o *Output) Disabled() bool { return o.IsDisabled }
func (o *Output) IsWriter() bool { return o.Kind == KindWriter }

func (o *Output) NaturalFrameRange() (int, int, bool) {
	if o.Range == nil {
		return 0, 0, false
	}
	return o.Range.First, o.Range.Last, true
}

func (o *Output) ConfiguredFrameStep() int {
	if o.Step == nil {
		return 1
	}
	return *o.Step
}

// EmbeddedEncoder returns the encoder node wrapped by a writer.
func (o *Output) EmbeddedEncoder() (render.Node, bool) {
	if o.Encoder == "" {
		return nil, false
	}
	return encoderNode{name: o.Encoder, file: o.File}, true
}

func (o *Output) BeforeFrameRenderScript() string { return o.BeforeFrame }
func (o *Output) AfterFrameRenderScript() string  { return o.AfterFrame }

func (o *Output) Views() []render.ViewIdx {
	if len(o.ViewList) == 0 {
		return []render.ViewIdx{0}
	}
	return o.ViewList
}

func (o *Output) SetPersistentError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.persistent = err
}

// PersistentError is the last error set on the output, nil once cleared.
func (o *Output) PersistentError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.persistent
}

type encoderNode struct {
	name string
	file string
}

func (n encoderNode) Name() string { return n.name }

// File is the destination pattern the encoder writes to.
func (n encoderNode) File() string { return n.file }
