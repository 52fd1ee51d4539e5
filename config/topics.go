package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TopicEntry names one tracked asset id.
type TopicEntry struct {
	ID   int64  `yaml:"id"`
	Name string `yaml:"name"`
}

// TopicList is the optional topics file referenced by upstream.topics_file.
type TopicList struct {
	Topics []TopicEntry `yaml:"topics"`
}

// LoadTopics loads a topic list from the given path.
func LoadTopics(path string) (*TopicList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topics file: %w", err)
	}
	var list TopicList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse topics file: %w", err)
	}
	for _, t := range list.Topics {
		if t.ID <= 0 {
			return nil, fmt.Errorf("topics file %s: invalid id %d", path, t.ID)
		}
	}
	return &list, nil
}

// IDs returns the topic ids in file order.
func (l *TopicList) IDs() []int64 {
	ids := make([]int64, 0, len(l.Topics))
	for _, t := range l.Topics {
		ids = append(ids, t.ID)
	}
	return ids
}
