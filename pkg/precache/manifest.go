package precache

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry is one build-time declared resource.
type Entry struct {
	// URL is absolute or relative to the engine scope
	URL string `yaml:"url" json:"url"`

	// Revision is an opaque content version; empty means the URL itself is
	// versioned (hashed file name)
	Revision string `yaml:"revision,omitempty" json:"revision,omitempty"`
}

// Manifest is an ordered set of entries, unique by URL.
type Manifest []Entry

// Validate rejects empty and duplicate URLs.
func (m Manifest) Validate() error {
	seen := make(map[string]struct{}, len(m))
	for i, e := range m {
		u := strings.TrimSpace(e.URL)
		if u == "" {
			return fmt.Errorf("manifest entry %d: url is required", i)
		}
		if _, dup := seen[u]; dup {
			return fmt.Errorf("manifest entry %d: duplicate url %q", i, u)
		}
		seen[u] = struct{}{}
	}
	return nil
}

// ParseManifest decodes a YAML or JSON manifest. Both a bare list and a
// document with an "entries" key are accepted; bare strings are revision-less
// entries.
func ParseManifest(data []byte) (Manifest, error) {
	var raw yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if raw.Kind == 0 {
		return Manifest{}, nil
	}

	node := &raw
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	if node.Kind == yaml.MappingNode {
		var doc struct {
			Entries []yaml.Node `yaml:"entries"`
		}
		if err := node.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode manifest: %w", err)
		}
		return decodeEntries(doc.Entries)
	}
	if node.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("decode manifest: expected a list of entries")
	}
	items := make([]yaml.Node, len(node.Content))
	for i, n := range node.Content {
		items[i] = *n
	}
	return decodeEntries(items)
}

func decodeEntries(items []yaml.Node) (Manifest, error) {
	m := make(Manifest, 0, len(items))
	for i := range items {
		var e Entry
		if items[i].Kind == yaml.ScalarNode {
			e.URL = items[i].Value
		} else if err := items[i].Decode(&e); err != nil {
			return nil, fmt.Errorf("manifest entry %d: %w", i, err)
		}
		m = append(m, e)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadManifest reads a manifest file produced at build time.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}
