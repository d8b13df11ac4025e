// Package promptxml implements the XML-file-backed prompt lookup contract
// spec.md §9 names: resolving a (site, item type, prompt name) triple to a
// template string and optional JSON return schema from prompts.xml. It
// mirrors internal/toolxml's flat XML parsing style, grounded on the
// original prompts.py: site-scoped overrides fall back to a site-agnostic
// default, and a prompt registered under the wildcard "Item" type applies
// to every schema.org type unless a more specific one overrides it.
//
// Variable substitution and the full site-type hierarchy walk prompts.py
// implements are outside the lookup contract spec.md §1 scopes this
// package to; callers render the returned template through
// internal/prompts the same way every other prompt in this codebase is
// rendered.
package promptxml

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Prompt is one <Prompt name="..."> entry parsed out of prompts.xml.
type Prompt struct {
	Name         string `xml:"name,attr"`
	PromptString string `xml:"PromptString"`
	ReturnStruc  string `xml:"ReturnStruc"`
}

// ReturnSchema parses ReturnStruc as JSON, returning nil if it is blank.
func (p Prompt) ReturnSchema() (map[string]any, error) {
	text := strings.TrimSpace(p.ReturnStruc)
	if text == "" {
		return nil, nil
	}
	var schema map[string]any
	if err := json.Unmarshal([]byte(text), &schema); err != nil {
		return nil, fmt.Errorf("promptxml: parsing return schema for %q: %w", p.Name, err)
	}
	return schema, nil
}

// group is either a <Site ref="..."> element (whose children are
// themselves type groups) or a schema.org type element holding Prompt
// entries directly. The two shapes are folded into one struct since
// encoding/xml's ",any" wildcard can't discriminate on tag name up front.
type group struct {
	XMLName  xml.Name
	Ref      string   `xml:"ref,attr"`
	Prompts  []Prompt `xml:"Prompt"`
	Children []group  `xml:",any"`
}

type document struct {
	XMLName xml.Name `xml:"Prompts"`
	Groups  []group  `xml:",any"`
}

// wildcardType is the type tag that matches any schema.org item type, per
// prompts.py's super_class_of base-class shortcut.
const wildcardType = "Item"

// siteAgnostic is the internal key default (site-unscoped) prompts are
// indexed under.
const siteAgnostic = ""

// Registry holds every loaded prompt, indexed by site then item type, plus
// a lookup cache mirroring prompts.py's cached_prompts dict.
type Registry struct {
	mu      sync.RWMutex
	bySite  map[string]map[string][]Prompt
	lookups sync.Map // cacheKey -> (Prompt, bool)
}

type cacheKey struct {
	site, itemType, name string
}

// Load parses one or more prompts.xml files, merging their entries. Later
// files' entries are appended after earlier ones, so earlier files win
// ties within Lookup's first-match semantics.
func Load(paths ...string) (*Registry, error) {
	r := &Registry{bySite: make(map[string]map[string][]Prompt)}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("promptxml: reading %s: %w", path, err)
		}
		var doc document
		if err := xml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("promptxml: parsing %s: %w", path, err)
		}
		r.index(doc)
	}
	return r, nil
}

func (r *Registry) index(doc document) {
	for _, g := range doc.Groups {
		if g.XMLName.Local == "Site" {
			for _, typeGroup := range g.Children {
				r.add(g.Ref, typeGroup.XMLName.Local, typeGroup.Prompts)
			}
			continue
		}
		r.add(siteAgnostic, g.XMLName.Local, g.Prompts)
	}
}

func (r *Registry) add(site, itemType string, prompts []Prompt) {
	if len(prompts) == 0 {
		return
	}
	if r.bySite[site] == nil {
		r.bySite[site] = make(map[string][]Prompt)
	}
	r.bySite[site][itemType] = append(r.bySite[site][itemType], prompts...)
}

// Lookup resolves a (site, itemType, name) triple to its template: an
// exact site+type match, falling back to site+wildcard-type, then
// site-agnostic+type, then site-agnostic+wildcard-type.
func (r *Registry) Lookup(site, itemType, name string) (Prompt, bool) {
	key := cacheKey{site, itemType, name}
	if cached, ok := r.lookups.Load(key); ok {
		entry := cached.(cacheEntry)
		return entry.prompt, entry.ok
	}

	r.mu.RLock()
	prompt, ok := findInSite(r.bySite[site], itemType, name)
	if !ok && site != siteAgnostic {
		prompt, ok = findInSite(r.bySite[siteAgnostic], itemType, name)
	}
	r.mu.RUnlock()

	r.lookups.Store(key, cacheEntry{prompt: prompt, ok: ok})
	return prompt, ok
}

type cacheEntry struct {
	prompt Prompt
	ok     bool
}

func findInSite(byType map[string][]Prompt, itemType, name string) (Prompt, bool) {
	if byType == nil {
		return Prompt{}, false
	}
	if p, ok := findByName(byType[itemType], name); ok {
		return p, true
	}
	if itemType != wildcardType {
		if p, ok := findByName(byType[wildcardType], name); ok {
			return p, true
		}
	}
	return Prompt{}, false
}

func findByName(prompts []Prompt, name string) (Prompt, bool) {
	for _, p := range prompts {
		if p.Name == name {
			return p, true
		}
	}
	return Prompt{}, false
}
