package chapter

import (
	"regexp"
	"strings"
)

// DefaultHeadingPattern matches markdown headings and bare "Chapter N" lines,
// the shapes writers actually paste from a flat manuscript.
var DefaultHeadingPattern = regexp.MustCompile(`(?m)^(#{1,3}\s+.+|Chapter\s+\d+.*)$`)

// Section is one heading-delimited slice of a flat document.
type Section struct {
	Title   string
	Content string
}

// SplitAtHeadings splits a flat document into sections at heading boundaries.
//
// Each matched heading starts a new section titled by the heading text (with
// any leading markdown marker stripped). Text before the first heading, or
// the entire document when nothing matches, becomes a single untitled
// section. Sections keep their content verbatim, so concatenating heading
// lines and contents reproduces the input.
func SplitAtHeadings(content string, pattern *regexp.Regexp) []Section {
	if pattern == nil {
		pattern = DefaultHeadingPattern
	}

	locs := pattern.FindAllStringIndex(content, -1)
	if len(locs) == 0 {
		return []Section{{Content: content}}
	}

	var sections []Section

	// Preamble before the first heading becomes its own section when it
	// holds anything beyond whitespace.
	if pre := content[:locs[0][0]]; strings.TrimSpace(pre) != "" {
		sections = append(sections, Section{Content: pre})
	}

	for i, loc := range locs {
		heading := content[loc[0]:loc[1]]
		end := len(content)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		sections = append(sections, Section{
			Title:   headingTitle(heading),
			Content: content[loc[1]:end],
		})
	}

	return sections
}

// headingTitle strips markdown heading markers and surrounding whitespace.
func headingTitle(heading string) string {
	title := strings.TrimSpace(heading)
	title = strings.TrimLeft(title, "#")
	return strings.TrimSpace(title)
}
