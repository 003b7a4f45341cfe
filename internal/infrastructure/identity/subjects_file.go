package identity

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/turtacn/atlas/internal/config"
)

// LoadSubjectsFile reads static subjects from the top-level "subjects" list of a
// YAML file. Entries use the same keys as identity.subjects.
// LoadSubjectsFile 从 YAML 文件加载静态主体列表。
func LoadSubjectsFile(path string) ([]config.StaticSubject, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read subjects file: %w", err)
	}
	var doc struct {
		Subjects []config.StaticSubject `yaml:"subjects"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse subjects file %s: %w", path, err)
	}
	return doc.Subjects, nil
}
