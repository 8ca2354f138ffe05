// Package issues loads issue files from disk into the shared issue model.
// Issues are YAML documents; one file per issue.
package issues

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flotilla-dev/flotilla/pkg/models"
)

// Load reads every .yaml/.yml file in dir and returns the parsed issues,
// sorted by ID for determinism. Blocks edges are folded into the blocked-by
// sets of their targets so the graph only deals in one edge direction.
func Load(dir string) ([]*models.Issue, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read issues directory: %w", err)
	}

	byID := make(map[string]*models.Issue)
	var loaded []*models.Issue

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		issue, err := loadFile(path)
		if err != nil {
			return nil, err
		}

		if prev, dup := byID[issue.ID]; dup {
			return nil, fmt.Errorf("duplicate issue id %q (in %s and %s)", issue.ID, prev.Title, path)
		}
		byID[issue.ID] = issue
		loaded = append(loaded, issue)
	}

	if len(loaded) == 0 {
		return nil, fmt.Errorf("no issue files found in %s", dir)
	}

	if err := foldBlocksEdges(loaded, byID); err != nil {
		return nil, err
	}

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].ID < loaded[j].ID })
	return loaded, nil
}

// loadFile parses a single issue file and validates required fields.
func loadFile(path string) (*models.Issue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read issue file %s: %w", path, err)
	}

	issue := &models.Issue{Priority: models.PriorityNormal}
	if err := yaml.Unmarshal(data, issue); err != nil {
		return nil, fmt.Errorf("parse issue file %s: %w", path, err)
	}

	if issue.ID == "" {
		return nil, fmt.Errorf("issue file %s is missing an id", path)
	}
	if issue.Title == "" {
		issue.Title = issue.ID
	}
	return issue, nil
}

// foldBlocksEdges rewrites "X blocks Y" into "Y blocked-by X" and validates
// that every referenced issue exists.
func foldBlocksEdges(all []*models.Issue, byID map[string]*models.Issue) error {
	for _, issue := range all {
		for _, blockerID := range issue.BlockedBy {
			if _, ok := byID[blockerID]; !ok {
				return fmt.Errorf("issue %s is blocked by unknown issue %s", issue.ID, blockerID)
			}
		}
		for _, blockedID := range issue.Blocks {
			target, ok := byID[blockedID]
			if !ok {
				return fmt.Errorf("issue %s blocks unknown issue %s", issue.ID, blockedID)
			}
			if !contains(target.BlockedBy, issue.ID) {
				target.BlockedBy = append(target.BlockedBy, issue.ID)
			}
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
