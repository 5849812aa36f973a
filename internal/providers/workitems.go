package providers

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/worklens/worklens/internal/model"
)

// FileWorkItems serves work items from a local YAML file, keyed by
// organization and project. It stands in for a remote work tracking API
// and doubles as the offline mode.
type FileWorkItems struct {
	Path string
}

type workItemFile struct {
	WorkItems []workItemRecord `yaml:"work_items"`
}

type workItemRecord struct {
	Organization string `yaml:"organization"`
	Project      string `yaml:"project"`
	ID           int    `yaml:"id"`
	Title        string `yaml:"title"`
	Type         string `yaml:"type"`
	State        string `yaml:"state"`
	AssignedTo   string `yaml:"assigned_to"`
}

func (f FileWorkItems) WorkItems(_ context.Context, conn model.Connection) ([]model.WorkItem, error) {
	if f.Path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read work items file: %w", err)
	}
	var file workItemFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse work items file %s: %w", f.Path, err)
	}
	var items []model.WorkItem
	for _, rec := range file.WorkItems {
		if rec.Organization != conn.Organization || rec.Project != conn.Project {
			continue
		}
		items = append(items, model.WorkItem{
			ID:         rec.ID,
			Title:      rec.Title,
			Type:       rec.Type,
			State:      rec.State,
			AssignedTo: rec.AssignedTo,
		})
	}
	return items, nil
}
