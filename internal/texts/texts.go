// Package texts holds the user-facing message catalog. Messages live in an
// embedded YAML file so wording can be reviewed without touching handler
// code; lookups fall back to the key itself so a missing entry is visible
// in the chat instead of silently blank.
package texts

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed texts.en.yaml
var catalogEN []byte

type Catalog struct {
	messages map[string]string
}

func Load() (*Catalog, error) {
	messages := make(map[string]string)
	if err := yaml.Unmarshal(catalogEN, &messages); err != nil {
		return nil, fmt.Errorf("texts: decode catalog: %w", err)
	}
	return &Catalog{messages: messages}, nil
}

// Get returns the raw message for key, or the key itself when absent.
func (c *Catalog) Get(key string) string {
	if c == nil || c.messages == nil {
		return key
	}
	msg, ok := c.messages[key]
	if !ok || msg == "" {
		return key
	}
	return msg
}

// F formats the message for key with fmt.Sprintf semantics.
func (c *Catalog) F(key string, args ...any) string {
	msg := c.Get(key)
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}
