// Package session implements the Session & Agent Registry (spec §4, data
// model §3): a global, read-mostly AgentDescriptor catalog plus a per-session
// copy-on-write EnabledAgent set satisfying invariants I1/I6.
package session

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/a2aflow/host/internal/common/apperror"
	"github.com/a2aflow/host/internal/common/logger"
)

// ApprovalPolicy governs how Transport handles a remote agent's tool-call
// approval requests (§2.3 "Per-agent approval policy").
type ApprovalPolicy string

const (
	ApprovalAuto   ApprovalPolicy = "auto"
	ApprovalManual ApprovalPolicy = "manual"
)

// AgentURLs holds the dev and production endpoints for a remote agent.
type AgentURLs struct {
	Dev        string `yaml:"dev" json:"dev"`
	Production string `yaml:"production" json:"production"`
}

// AgentDescriptor is a globally registered remote agent (spec §3).
type AgentDescriptor struct {
	Name            string         `yaml:"name" json:"name"`
	URLs            AgentURLs      `yaml:"urls" json:"urls"`
	Capabilities    []string       `yaml:"capabilities" json:"capabilities"`
	InputModes      []string       `yaml:"inputModes" json:"input_modes"`
	OutputModes     []string       `yaml:"outputModes" json:"output_modes"`
	Streaming       bool           `yaml:"streaming" json:"streaming"`
	ApprovalPolicy  ApprovalPolicy `yaml:"approvalPolicy" json:"approval_policy"`
}

// ResolveURL picks the preferred URL: production when present and
// preferProduction is set (used for scheduled runs, I2), else dev.
func (d *AgentDescriptor) ResolveURL(preferProduction bool) string {
	if preferProduction && d.URLs.Production != "" {
		return d.URLs.Production
	}
	if d.URLs.Dev != "" {
		return d.URLs.Dev
	}
	return d.URLs.Production
}

// EVALUATE is the reserved agent name for a workflow's conditional-branch
// evaluator step; it never resolves against the registry.
const EVALUATE = "EVALUATE"

// Registry is the global, read-mostly AgentDescriptor catalog (spec §5
// "Global AgentDescriptor registry: read-mostly; updates take a writer lock,
// readers see consistent snapshots").
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentDescriptor
	logger *logger.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*AgentDescriptor),
		logger: log.WithFields(zap.String("component", "agent_registry")),
	}
}

// LoadFromFile seeds the registry from a YAML file of descriptors, the
// Go-native analogue of the teacher's embedded agents.json catalog.
func (r *Registry) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read agent descriptors file: %w", err)
	}

	var descriptors []*AgentDescriptor
	if err := yaml.Unmarshal(data, &descriptors); err != nil {
		return fmt.Errorf("parse agent descriptors file: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range descriptors {
		if d.ApprovalPolicy == "" {
			d.ApprovalPolicy = ApprovalAuto
		}
		r.agents[d.Name] = d
	}
	r.logger.Info("loaded agent descriptors", zap.Int("count", len(descriptors)), zap.String("path", path))
	return nil
}

// Register adds or replaces a descriptor.
func (r *Registry) Register(d *AgentDescriptor) error {
	if d.Name == "" {
		return apperror.New(apperror.KindValidation, "agent name is required")
	}
	if d.Name == EVALUATE {
		return apperror.New(apperror.KindValidation, "EVALUATE is a reserved agent name")
	}
	if d.ApprovalPolicy == "" {
		d.ApprovalPolicy = ApprovalAuto
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[d.Name] = d
	return nil
}

// Unregister removes a descriptor by name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[name]; !ok {
		return apperror.New(apperror.KindNotFound, "agent not found: "+name)
	}
	delete(r.agents, name)
	return nil
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (*AgentDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.agents[name]
	if !ok {
		return nil, apperror.New(apperror.KindNotFound, "agent not found: "+name)
	}
	return d, nil
}

// Exists reports whether name is registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[name]
	return ok
}

// List returns a consistent snapshot of every registered descriptor.
func (r *Registry) List() []*AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentDescriptor, 0, len(r.agents))
	for _, d := range r.agents {
		out = append(out, d)
	}
	return out
}
