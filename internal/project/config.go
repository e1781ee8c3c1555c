package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultBranches are the branches eligible for deployment when a
// project omits the branch field.
var DefaultBranches = []string{"main", "master", "prod"}

// LoadDir loads every project configuration document from a directory and
// builds the repository-to-project mapping. Each *.yml/*.yaml file describes
// one project; every repository listed in its repos field maps to that
// project. If the same repository appears in two files, the file read later
// wins (directory listing order) - configs should not overlap.
//
// Any parse or validation error aborts the whole load; callers keep serving
// the previous mapping on reload failure.
func LoadDir(configDir string) (map[string]*Project, error) {
	entries, err := os.ReadDir(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config directory: %w", err)
	}

	byRepo := make(map[string]*Project)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yml") && !strings.HasSuffix(name, ".yaml") {
			continue
		}

		path := filepath.Join(configDir, name)
		proj, err := loadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config file %s: %w", name, err)
		}
		if proj == nil {
			// Empty document, skip
			continue
		}

		for _, repo := range proj.Repos {
			byRepo[repo] = proj
		}
	}

	return byRepo, nil
}

func loadFile(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var config ProjectConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Empty or comment-only files are tolerated
	if config.Name == "" && len(config.Repos) == 0 {
		return nil, nil
	}

	if errs := ValidateProjectConfig(&config); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n%s", strings.Join(errs, "\n"))
	}

	branches := []string(config.Branch)
	if len(branches) == 0 {
		branches = append([]string{}, DefaultBranches...)
	}

	return &Project{
		Name:        config.Name,
		Repos:       config.Repos,
		Path:        config.Path,
		Branches:    branches,
		ComposeFile: config.ComposeFile,
		ComposeDir:  config.ComposeDir,
		Services:    config.Services,
	}, nil
}

// ValidateProjectConfig validates a single project configuration document
func ValidateProjectConfig(config *ProjectConfig) []string {
	var errors []string

	if config.Name == "" {
		errors = append(errors, "  - missing required 'name' field")
	}

	if len(config.Repos) == 0 {
		errors = append(errors, "  - missing required 'repos' field (at least one repository)")
	}
	for i, repo := range config.Repos {
		if strings.TrimSpace(repo) == "" {
			errors = append(errors, fmt.Sprintf("  - repos[%d] is empty", i))
		}
	}

	// Path is joined under the hosting root at deploy time; absolute paths
	// and traversal would escape it.
	if filepath.IsAbs(config.Path) {
		errors = append(errors, fmt.Sprintf("  - path must be relative to the hosting root, got '%s'", config.Path))
	}
	if strings.HasPrefix(config.Path, "..") {
		errors = append(errors, fmt.Sprintf("  - path must not traverse outside the hosting root, got '%s'", config.Path))
	}

	for i, branch := range config.Branch {
		if branch == "" {
			errors = append(errors, fmt.Sprintf("  - branch[%d] is empty", i))
		}
		if strings.HasPrefix(branch, "-") {
			errors = append(errors, fmt.Sprintf("  - branch name cannot start with '-', got '%s'", branch))
		}
	}

	return errors
}
