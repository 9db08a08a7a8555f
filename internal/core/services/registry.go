package services

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/manthysbr/forgeOS/internal/core/domain"
	"gopkg.in/yaml.v3"
)

// WorkflowsFile is the workflows.yaml structure: the workflow definitions,
// the ordered selection rules, and the fallback default.
type WorkflowsFile struct {
	Version   string                  `yaml:"version"`
	Workflows []domain.WorkflowConfig `yaml:"workflows"`
	Rules     []domain.SelectionRule  `yaml:"rules"`
	Default   domain.WorkflowID       `yaml:"default"`
}

// WorkflowRegistry serves immutable workflow definitions and routes work
// orders to them. The file is read once and cached for the process
// lifetime; Invalidate drops the snapshot so tests can swap files.
type WorkflowRegistry struct {
	logger *slog.Logger
	path   string

	mu   sync.RWMutex
	file *WorkflowsFile
	byID map[domain.WorkflowID]*domain.WorkflowConfig
}

func NewWorkflowRegistry(logger *slog.Logger, path string) *WorkflowRegistry {
	return &WorkflowRegistry{
		logger: logger,
		path:   path,
	}
}

// List returns every loaded workflow config.
func (r *WorkflowRegistry) List() ([]domain.WorkflowConfig, error) {
	file, _, err := r.snapshot()
	if err != nil {
		return nil, err
	}
	return file.Workflows, nil
}

// Get returns the config for one workflow id.
func (r *WorkflowRegistry) Get(id domain.WorkflowID) (*domain.WorkflowConfig, error) {
	_, byID, err := r.snapshot()
	if err != nil {
		return nil, err
	}
	cfg, ok := byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownWorkflow, id)
	}
	return cfg, nil
}

// Select routes a work order to a workflow. An explicit request wins
// outright (or fails hard if unknown); otherwise rules are evaluated in
// declaration order and the first match wins; otherwise the default.
func (r *WorkflowRegistry) Select(input domain.SelectionInput) (*domain.Selection, error) {
	file, byID, err := r.snapshot()
	if err != nil {
		return nil, err
	}

	if input.RequestedWorkflowID != "" {
		if _, ok := byID[input.RequestedWorkflowID]; !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownWorkflow, input.RequestedWorkflowID)
		}
		return &domain.Selection{
			WorkflowID: input.RequestedWorkflowID,
			Reason:     domain.SelectionExplicit,
		}, nil
	}

	for _, rule := range file.Rules {
		if ruleMatches(&rule, &input) {
			return &domain.Selection{
				WorkflowID:  rule.WorkflowID,
				Reason:      domain.SelectionRuleHit,
				MatchedRule: rule.ID,
			}, nil
		}
	}

	return &domain.Selection{
		WorkflowID: file.Default,
		Reason:     domain.SelectionDefault,
	}, nil
}

// Invalidate drops the cached file snapshot. Test hook.
func (r *WorkflowRegistry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.file = nil
	r.byID = nil
}

func (r *WorkflowRegistry) snapshot() (*WorkflowsFile, map[domain.WorkflowID]*domain.WorkflowConfig, error) {
	r.mu.RLock()
	if r.file != nil {
		file, byID := r.file, r.byID
		r.mu.RUnlock()
		return file, byID, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return r.file, r.byID, nil
	}

	file, byID, err := loadWorkflowsFile(r.path)
	if err != nil {
		return nil, nil, err
	}

	r.file = file
	r.byID = byID
	r.logger.Info("workflow registry loaded",
		"path", r.path,
		"workflows", len(file.Workflows),
		"rules", len(file.Rules),
		"default", file.Default)
	return file, byID, nil
}

func loadWorkflowsFile(path string) (*WorkflowsFile, map[domain.WorkflowID]*domain.WorkflowConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read %s: %v", domain.ErrRegistryLoad, path, err)
	}

	var file WorkflowsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("%w: parse %s: %v", domain.ErrRegistryLoad, path, err)
	}

	byID := make(map[domain.WorkflowID]*domain.WorkflowConfig, len(file.Workflows))
	for i := range file.Workflows {
		wf := &file.Workflows[i]
		if wf.ID == "" {
			return nil, nil, fmt.Errorf("%w: workflow %d has no id", domain.ErrRegistryLoad, i)
		}
		if _, dup := byID[wf.ID]; dup {
			return nil, nil, fmt.Errorf("%w: duplicate workflow id %s", domain.ErrRegistryLoad, wf.ID)
		}
		if len(wf.Stages) == 0 {
			return nil, nil, fmt.Errorf("%w: workflow %s has no stages", domain.ErrRegistryLoad, wf.ID)
		}
		for j, stage := range wf.Stages {
			if stage.Type != domain.ExecTypeSingle && stage.Type != domain.ExecTypeLoop {
				return nil, nil, fmt.Errorf("%w: workflow %s stage %d has unknown type %q", domain.ErrRegistryLoad, wf.ID, j, stage.Type)
			}
			if stage.Station == "" {
				return nil, nil, fmt.Errorf("%w: workflow %s stage %d has no station", domain.ErrRegistryLoad, wf.ID, j)
			}
		}
		byID[wf.ID] = wf
	}

	for _, rule := range file.Rules {
		if _, ok := byID[rule.WorkflowID]; !ok {
			return nil, nil, fmt.Errorf("%w: rule %s targets unknown workflow %s", domain.ErrRegistryLoad, rule.ID, rule.WorkflowID)
		}
	}
	if file.Default == "" {
		return nil, nil, fmt.Errorf("%w: no default workflow configured", domain.ErrRegistryLoad)
	}
	if _, ok := byID[file.Default]; !ok {
		return nil, nil, fmt.Errorf("%w: default targets unknown workflow %s", domain.ErrRegistryLoad, file.Default)
	}

	return &file, byID, nil
}

// ruleMatches checks every populated predicate; empty predicates match
// everything, so rule ordering in the file is the only tie-break.
func ruleMatches(rule *domain.SelectionRule, input *domain.SelectionInput) bool {
	if rule.Priority != "" && rule.Priority != input.Priority {
		return false
	}
	for _, want := range rule.TagsAll {
		found := false
		for _, tag := range input.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if rule.TitleContains != "" && !strings.Contains(strings.ToLower(input.Title), strings.ToLower(rule.TitleContains)) {
		return false
	}
	if rule.GoalContains != "" && !strings.Contains(strings.ToLower(input.GoalMD), strings.ToLower(rule.GoalContains)) {
		return false
	}
	return true
}
