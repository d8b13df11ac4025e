// Package toolxml loads tool descriptors from the tools.xml configuration
// file, the format used by the original router: a flat set of <Tool>
// elements grouped under a schema.org type tag, each carrying a path,
// method, freeform arguments and example queries.
package toolxml

import (
	"encoding/xml"
	"fmt"
	"os"
	"strconv"
)

// Tool is one <Tool> entry parsed out of tools.xml, augmented with the
// schema.org type of the enclosing group.
type Tool struct {
	SchemaType string
	Name       string      `xml:"name,attr"`
	Enabled    string      `xml:"enabled,attr"`
	Path       string      `xml:"path"`
	Method     string      `xml:"method"`
	Prompt     string      `xml:"prompt"`
	Arguments  []Argument  `xml:"argument"`
	Examples   []string    `xml:"examples>example"`
}

// Argument is one <argument name="..."> entry within a Tool.
type Argument struct {
	Name string `xml:"name,attr"`
	Desc string `xml:",chardata"`
}

// IsEnabled reports whether the tool should be registered: the XML default
// is enabled when the attribute is omitted.
func (t *Tool) IsEnabled() bool {
	if t.Enabled == "" {
		return true
	}
	enabled, err := strconv.ParseBool(t.Enabled)
	if err != nil {
		return true
	}
	return enabled
}

type schemaGroup struct {
	XMLName xml.Name
	Tools   []Tool `xml:"Tool"`
}

type document struct {
	XMLName xml.Name   `xml:"Tools"`
	Groups  []rawGroup `xml:",any"`
}

type rawGroup struct {
	XMLName xml.Name
	Tools   []Tool `xml:"Tool"`
}

// LoadFile parses a tools.xml file into a flat, enabled-only tool list.
func LoadFile(path string) ([]*Tool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tools file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses tools.xml content into a flat, enabled-only tool list.
func Parse(data []byte) ([]*Tool, error) {
	var doc document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing tools xml: %w", err)
	}

	var tools []*Tool
	for _, group := range doc.Groups {
		for i := range group.Tools {
			t := group.Tools[i]
			t.SchemaType = group.XMLName.Local
			if t.IsEnabled() {
				tools = append(tools, &t)
			}
		}
	}
	return tools, nil
}
