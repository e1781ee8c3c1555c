package project

import "strings"

const RefPrefix = "refs/heads/"

// Project represents a validated deployment project configuration
type Project struct {
	Name        string
	Repos       []string
	Path        string
	Branches    []string
	ComposeFile string
	ComposeDir  string
	Services    []string
}

// ProjectConfig represents the YAML configuration document for a project
type ProjectConfig struct {
	Name        string     `yaml:"name"`
	Repos       []string   `yaml:"repos"`
	Path        string     `yaml:"path"`
	Branch      StringList `yaml:"branch"`
	ComposeFile string     `yaml:"compose_file"`
	ComposeDir  string     `yaml:"compose_dir"`
	Services    []string   `yaml:"services"`
}

// StringList accepts either a bare YAML scalar or a sequence of scalars.
// Used for the branch field, which historically allowed both forms.
type StringList []string

func (s *StringList) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		*s = StringList{single}
		return nil
	}

	var list []string
	if err := unmarshal(&list); err != nil {
		return err
	}
	*s = StringList(list)
	return nil
}

// MatchesBranch checks if a branch is eligible to trigger deployment.
// Matching is exact, no globbing.
func (p *Project) MatchesBranch(branch string) bool {
	if branch == "" {
		return false
	}
	for _, b := range p.Branches {
		if b == branch {
			return true
		}
	}
	return false
}

// BranchFromRef extracts the branch name from a git ref.
// Refs without the refs/heads/ prefix yield an empty branch, which
// never matches a configured branch.
func BranchFromRef(ref string) string {
	if !strings.HasPrefix(ref, RefPrefix) {
		return ""
	}
	return strings.TrimPrefix(ref, RefPrefix)
}
