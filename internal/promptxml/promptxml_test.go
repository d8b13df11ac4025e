package promptxml

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}

const samplePromptsXML = `<Prompts>
  <Item>
    <Prompt name="RankingPrompt">
      <PromptString>Score {request.query} against {item.description}</PromptString>
      <ReturnStruc>{"score": "int", "description": "string"}</ReturnStruc>
    </Prompt>
  </Item>
  <Site ref="example.com">
    <Recipe>
      <Prompt name="RankingPrompt">
        <PromptString>Recipe-specific scoring for {request.query}</PromptString>
        <ReturnStruc></ReturnStruc>
      </Prompt>
    </Recipe>
  </Site>
</Prompts>`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prompts.xml")
	if err := writeFile(path, samplePromptsXML); err != nil {
		t.Fatalf("writing sample prompts.xml: %v", err)
	}
	return path
}

func TestLookupSiteSpecificOverridesDefault(t *testing.T) {
	reg, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	p, ok := reg.Lookup("example.com", "Recipe", "RankingPrompt")
	if !ok {
		t.Fatal("expected a site-specific match")
	}
	if p.PromptString != "Recipe-specific scoring for {request.query}" {
		t.Fatalf("unexpected prompt string: %q", p.PromptString)
	}
}

func TestLookupFallsBackToWildcardItemType(t *testing.T) {
	reg, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// "Product" has no dedicated entry anywhere; it should fall back to
	// the site-agnostic "Item" wildcard prompt.
	p, ok := reg.Lookup("example.com", "Product", "RankingPrompt")
	if !ok {
		t.Fatal("expected a wildcard-type match")
	}
	if p.PromptString == "" {
		t.Fatal("expected the wildcard Item prompt string")
	}
}

func TestLookupMissingNameFails(t *testing.T) {
	reg, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := reg.Lookup("example.com", "Recipe", "NoSuchPrompt"); ok {
		t.Fatal("expected no match for an unregistered prompt name")
	}
}

func TestReturnSchemaParsesJSON(t *testing.T) {
	reg, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p, ok := reg.Lookup("unknown-site.com", "Item", "RankingPrompt")
	if !ok {
		t.Fatal("expected the default Item prompt to resolve for an unknown site")
	}
	schema, err := p.ReturnSchema()
	if err != nil {
		t.Fatalf("ReturnSchema: %v", err)
	}
	if schema["score"] != "int" {
		t.Fatalf("unexpected schema: %v", schema)
	}
}

func TestReturnSchemaEmptyIsNil(t *testing.T) {
	reg, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p, ok := reg.Lookup("example.com", "Recipe", "RankingPrompt")
	if !ok {
		t.Fatal("expected a match")
	}
	schema, err := p.ReturnSchema()
	if err != nil {
		t.Fatalf("ReturnSchema: %v", err)
	}
	if schema != nil {
		t.Fatalf("expected nil schema for a blank ReturnStruc, got %v", schema)
	}
}
