package security

import (
	"fmt"
	"strings"

	"github.com/adrg/frontmatter"
)

// NoteFrontmatter holds the optional YAML metadata a manually-ingested note
// (as opposed to a Discord message) may carry ahead of its body.
type NoteFrontmatter struct {
	Title  string   `yaml:"title"`
	Tags   []string `yaml:"tags"`
	Source string   `yaml:"source"`
}

// ParsedFrontmatter is the result of splitting a raw note body into its
// metadata header and content.
type ParsedFrontmatter struct {
	Meta NoteFrontmatter
	Body string
}

// ValidateFrontmatter parses any leading YAML frontmatter out of content and
// validates it: tag count bounded, no control characters in the title. It
// never errors on content with no frontmatter at all — that's the common
// case for a Discord-originated note — only on malformed or oversized
// metadata once frontmatter is present.
func ValidateFrontmatter(content string) (ParsedFrontmatter, error) {
	var meta NoteFrontmatter
	body, err := frontmatter.Parse(strings.NewReader(content), &meta)
	if err != nil {
		// No (or unparsable) frontmatter: treat the whole input as body,
		// matching the teacher's indexer.ParseNote fallback.
		return ParsedFrontmatter{Body: content}, nil
	}

	if len(meta.Tags) > 64 {
		return ParsedFrontmatter{}, fmt.Errorf("frontmatter: too many tags (%d, max 64)", len(meta.Tags))
	}
	for _, t := range meta.Tags {
		if strings.ContainsAny(t, "\n\r\x00") {
			return ParsedFrontmatter{}, fmt.Errorf("frontmatter: tag contains control characters")
		}
	}
	if strings.ContainsAny(meta.Title, "\n\r\x00") {
		return ParsedFrontmatter{}, fmt.Errorf("frontmatter: title contains control characters")
	}

	return ParsedFrontmatter{Meta: meta, Body: string(body)}, nil
}
