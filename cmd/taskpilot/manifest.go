package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aristath/taskpilot/internal/scheduler"
)

// Manifest is a batch of tasks to submit at startup.
type Manifest struct {
	Tasks []ManifestTask `yaml:"tasks"`
}

// ManifestTask is one task entry. DeadlineIn is relative to submission.
type ManifestTask struct {
	ID           string        `yaml:"id"`
	Type         string        `yaml:"type"`
	Priority     string        `yaml:"priority"`
	Capabilities []string      `yaml:"capabilities"`
	DependsOn    []string      `yaml:"depends_on"`
	DeadlineIn   time.Duration `yaml:"deadline_in"`
	Payload      any           `yaml:"payload"`
}

// LoadManifest reads a manifest file. Unknown keys are rejected.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes a manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

// SchedulerTasks converts the manifest into scheduler tasks with deadlines anchored at
// now, in an order that submits every dependency before its dependents.
// Entries without an ID get one at submission and cannot be depended on.
func (m *Manifest) SchedulerTasks(now time.Time) ([]scheduler.Task, error) {
	tasks := make([]scheduler.Task, 0, len(m.Tasks))
	var anonymous []scheduler.Task
	for i, mt := range m.Tasks {
		p, err := scheduler.ParsePriority(mt.Priority)
		if err != nil {
			return nil, fmt.Errorf("task %d (%s): %w", i, mt.ID, err)
		}
		if mt.DeadlineIn < 0 {
			return nil, fmt.Errorf("task %d (%s): negative deadline_in", i, mt.ID)
		}

		t := scheduler.Task{
			ID:           mt.ID,
			Type:         mt.Type,
			Priority:     p,
			Payload:      mt.Payload,
			Capabilities: mt.Capabilities,
			DependsOn:    mt.DependsOn,
		}
		if mt.DeadlineIn > 0 {
			t.Deadline = now.Add(mt.DeadlineIn)
		}

		if t.ID == "" {
			anonymous = append(anonymous, t)
			continue
		}
		tasks = append(tasks, t)
	}

	order, err := scheduler.ValidateDependencies(tasks)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]scheduler.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	sorted := make([]scheduler.Task, 0, len(m.Tasks))
	for _, id := range order {
		sorted = append(sorted, byID[id])
	}
	return append(sorted, anonymous...), nil
}

// Capabilities returns every capability the manifest requires, deduplicated
// in first-use order.
func (m *Manifest) Capabilities() []string {
	seen := make(map[string]bool)
	var caps []string
	for _, t := range m.Tasks {
		for _, c := range t.Capabilities {
			if !seen[c] {
				seen[c] = true
				caps = append(caps, c)
			}
		}
	}
	return caps
}
