package workflow

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Parser loads workflow files from disk.
type Parser struct {
	Root string
}

// NewParser constructs a Parser that resolves workflow paths relative to root.
func NewParser(root string) *Parser {
	return &Parser{Root: root}
}

// Parse reads the supplied workflow paths and produces Definitions.
func (p *Parser) Parse(paths []string) ([]Definition, error) {
	defs := make([]Definition, 0, len(paths))
	for _, relPath := range paths {
		full := relPath
		if !filepath.IsAbs(full) {
			full = filepath.Join(p.Root, relPath)
		}
		def, err := parseFile(full, relPath)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func parseFile(fullPath, displayPath string) (Definition, error) {
	f, err := os.Open(fullPath)
	if err != nil {
		return Definition{}, fmt.Errorf("open workflow %q: %w", displayPath, err)
	}
	defer f.Close()
	return Decode(f, displayPath)
}

// Decode parses a single workflow document. Job and matrix axis order
// follow document declaration order, which downstream scheduling relies
// on for deterministic tie-breaking.
func Decode(r io.Reader, displayPath string) (Definition, error) {
	var root yaml.Node
	if err := yaml.NewDecoder(r).Decode(&root); err != nil {
		return Definition{}, fmt.Errorf("parse workflow %q: %w", displayPath, err)
	}
	doc := &root
	if doc.Kind == yaml.DocumentNode {
		if len(doc.Content) == 0 {
			return Definition{}, Configf("workflow %q: empty document", displayPath)
		}
		doc = doc.Content[0]
	}
	if doc.Kind != yaml.MappingNode {
		return Definition{}, Configf("workflow %q: top level must be a mapping", displayPath)
	}

	def := Definition{
		Path: displayPath,
		Jobs: make(map[string]JobTemplate),
	}

	for i := 0; i+1 < len(doc.Content); i += 2 {
		key, value := doc.Content[i], doc.Content[i+1]
		switch key.Value {
		case "name":
			def.Name = value.Value
		case "on":
			triggers, err := decodeTriggers(value, displayPath)
			if err != nil {
				return Definition{}, err
			}
			def.Triggers = triggers
		case "jobs":
			if err := decodeJobs(value, &def, displayPath); err != nil {
				return Definition{}, err
			}
		}
	}

	if def.Name == "" {
		def.Name = filepath.Base(displayPath)
	}
	return def, nil
}

func decodeTriggers(node *yaml.Node, path string) ([]TriggerRule, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		rule, err := newTriggerRule(node.Value, nil, path)
		if err != nil {
			return nil, err
		}
		return []TriggerRule{rule}, nil
	case yaml.SequenceNode:
		rules := make([]TriggerRule, 0, len(node.Content))
		for _, item := range node.Content {
			rule, err := newTriggerRule(item.Value, nil, path)
			if err != nil {
				return nil, err
			}
			rules = append(rules, rule)
		}
		return rules, nil
	case yaml.MappingNode:
		rules := make([]TriggerRule, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			var body struct {
				Branches []string `yaml:"branches"`
			}
			if value.Kind == yaml.MappingNode {
				if err := value.Decode(&body); err != nil {
					return nil, fmt.Errorf("workflow %q: trigger %q: %w", path, key.Value, err)
				}
			}
			rule, err := newTriggerRule(key.Value, body.Branches, path)
			if err != nil {
				return nil, err
			}
			rules = append(rules, rule)
		}
		return rules, nil
	default:
		return nil, Configf("workflow %q: unsupported trigger declaration", path)
	}
}

func newTriggerRule(event string, branches []string, path string) (TriggerRule, error) {
	switch event {
	case EventPush, EventPullRequest:
		return TriggerRule{Event: event, Branches: branches}, nil
	default:
		return TriggerRule{}, Configf("workflow %q: unknown trigger event %q", path, event)
	}
}

func decodeJobs(node *yaml.Node, def *Definition, path string) error {
	if node.Kind != yaml.MappingNode {
		return Configf("workflow %q: jobs must be a mapping", path)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		job, err := decodeJob(key.Value, value, path)
		if err != nil {
			return err
		}
		if _, exists := def.Jobs[job.Name]; exists {
			return Configf("workflow %q: duplicate job %q", path, job.Name)
		}
		def.JobOrder = append(def.JobOrder, job.Name)
		def.Jobs[job.Name] = job
	}
	return nil
}

func decodeJob(name string, node *yaml.Node, path string) (JobTemplate, error) {
	if node.Kind != yaml.MappingNode {
		return JobTemplate{}, Configf("workflow %q: job %q must be a mapping", path, name)
	}
	job := JobTemplate{Name: name}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "runs-on":
			job.RunsOn = value.Value
		case "needs":
			if value.Kind == yaml.ScalarNode {
				job.Needs = []string{value.Value}
				continue
			}
			if err := value.Decode(&job.Needs); err != nil {
				return JobTemplate{}, fmt.Errorf("workflow %q: job %q needs: %w", path, name, err)
			}
		case "strategy":
			spec, err := decodeStrategy(value, name, path)
			if err != nil {
				return JobTemplate{}, err
			}
			job.Matrix = spec
		case "steps":
			steps, err := decodeSteps(value, name, path)
			if err != nil {
				return JobTemplate{}, err
			}
			job.Steps = steps
		}
	}
	return job, nil
}

func decodeStrategy(node *yaml.Node, job, path string) (*MatrixSpec, error) {
	if node.Kind != yaml.MappingNode {
		return nil, Configf("workflow %q: job %q strategy must be a mapping", path, job)
	}
	spec := &MatrixSpec{FailFast: true}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "fail-fast":
			var ff bool
			if err := value.Decode(&ff); err != nil {
				return nil, fmt.Errorf("workflow %q: job %q fail-fast: %w", path, job, err)
			}
			spec.FailFast = ff
		case "matrix":
			if value.Kind != yaml.MappingNode {
				return nil, Configf("workflow %q: job %q matrix must be a mapping", path, job)
			}
			for j := 0; j+1 < len(value.Content); j += 2 {
				axisKey, axisValue := value.Content[j], value.Content[j+1]
				var values []string
				if err := axisValue.Decode(&values); err != nil {
					return nil, fmt.Errorf("workflow %q: job %q matrix axis %q: %w", path, job, axisKey.Value, err)
				}
				spec.Axes = append(spec.Axes, Axis{Name: axisKey.Value, Values: values})
			}
		}
	}
	if len(spec.Axes) == 0 {
		return nil, nil
	}
	return spec, nil
}

type stepDocument struct {
	Name            string            `yaml:"name"`
	Run             string            `yaml:"run"`
	Shell           string            `yaml:"shell"`
	WorkingDir      string            `yaml:"working-directory"`
	Env             map[string]string `yaml:"env"`
	ContinueOnError bool              `yaml:"continue-on-error"`
	Timeout         string            `yaml:"timeout"`

	Cache     string   `yaml:"cache"`
	KeyPrefix string   `yaml:"key-prefix"`
	KeyFiles  []string `yaml:"key-files"`
	Path      string   `yaml:"path"`
}

func decodeSteps(node *yaml.Node, job, path string) ([]Step, error) {
	var docs []stepDocument
	if err := node.Decode(&docs); err != nil {
		return nil, fmt.Errorf("workflow %q: job %q steps: %w", path, job, err)
	}
	steps := make([]Step, 0, len(docs))
	for idx, doc := range docs {
		step := Step{Name: doc.Name}
		if step.Name == "" {
			step.Name = fmt.Sprintf("step %d", idx+1)
		}
		switch {
		case doc.Run != "" && doc.Cache != "":
			return nil, Configf("workflow %q: job %q step %q declares both run and cache", path, job, step.Name)
		case doc.Run != "":
			cmd := &CommandStep{
				Run:             doc.Run,
				Shell:           doc.Shell,
				WorkingDir:      doc.WorkingDir,
				Env:             doc.Env,
				ContinueOnError: doc.ContinueOnError,
			}
			if doc.Timeout != "" {
				d, err := time.ParseDuration(doc.Timeout)
				if err != nil {
					return nil, Configf("workflow %q: job %q step %q: bad timeout %q", path, job, step.Name, doc.Timeout)
				}
				cmd.Timeout = d
			}
			step.Command = cmd
		case doc.Cache != "":
			mode := CacheMode(doc.Cache)
			if mode != CacheRestore && mode != CacheSave {
				return nil, Configf("workflow %q: job %q step %q: cache mode must be restore or save, got %q", path, job, step.Name, doc.Cache)
			}
			if len(doc.KeyFiles) == 0 {
				return nil, Configf("workflow %q: job %q step %q: cache step requires key-files", path, job, step.Name)
			}
			if doc.Path == "" {
				return nil, Configf("workflow %q: job %q step %q: cache step requires path", path, job, step.Name)
			}
			step.Cache = &CacheStep{
				Mode:      mode,
				KeyPrefix: doc.KeyPrefix,
				KeyFiles:  doc.KeyFiles,
				Path:      doc.Path,
			}
		default:
			return nil, Configf("workflow %q: job %q step %q declares neither run nor cache", path, job, step.Name)
		}
		steps = append(steps, step)
	}
	return steps, nil
}
