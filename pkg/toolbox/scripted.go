package toolbox

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/go-go-golems/grove/pkg/errdefs"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ScriptDefinition is the YAML form of a scripted tool. The template is rendered with the
// decoded arguments as data.
type ScriptDefinition struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Parameters  map[string]interface{} `yaml:"parameters"`
	Template    string                 `yaml:"template"`
}

type ScriptFile struct {
	Tools []ScriptDefinition `yaml:"tools"`
}

type ScriptedTool struct {
	def  ScriptDefinition
	tmpl *template.Template
}

var _ Tool = (*ScriptedTool)(nil)

func NewScriptedTool(def ScriptDefinition) (*ScriptedTool, error) {
	def.Name = NormalizeName(def.Name)
	if def.Name == "" {
		return nil, errdefs.Config("tools.name", "scripted tool without name")
	}
	if def.Parameters == nil {
		def.Parameters = map[string]interface{}{"type": "object"}
	}
	tmpl, err := template.New(def.Name).Funcs(sprig.TxtFuncMap()).Option("missingkey=zero").Parse(def.Template)
	if err != nil {
		return nil, errdefs.Config("tools."+def.Name+".template", err.Error())
	}
	return &ScriptedTool{def: def, tmpl: tmpl}, nil
}

func (t *ScriptedTool) Describe() Description {
	return Description{Name: t.def.Name, Description: t.def.Description, Kind: KindScripted}
}

func (t *ScriptedTool) Parameters() map[string]interface{} {
	return t.def.Parameters
}

func (t *ScriptedTool) Run(_ context.Context, args json.RawMessage) (string, error) {
	data := map[string]interface{}{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &data); err != nil {
			return "", errors.Wrap(err, "could not decode tool arguments")
		}
	}
	var b bytes.Buffer
	if err := t.tmpl.Execute(&b, data); err != nil {
		return "", errors.Wrapf(err, "could not render %s", t.def.Name)
	}
	return b.String(), nil
}

func ParseScripts(b []byte) ([]Tool, error) {
	var f ScriptFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errdefs.Config("tools", err.Error())
	}
	ret := make([]Tool, 0, len(f.Tools))
	for _, def := range f.Tools {
		t, err := NewScriptedTool(def)
		if err != nil {
			return nil, err
		}
		ret = append(ret, t)
	}
	return ret, nil
}

func LoadScripts(path string) ([]Tool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read tools file %s", path)
	}
	return ParseScripts(b)
}
