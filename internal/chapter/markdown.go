package chapter

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// frontMatter is the YAML header carried by exported chapter files.
type frontMatter struct {
	ID        string   `yaml:"id"`
	ProjectID string   `yaml:"project_id"`
	Title     string   `yaml:"title"`
	Summary   string   `yaml:"summary,omitempty"`
	Status    string   `yaml:"status"`
	Tags      []string `yaml:"tags,omitempty"`
	Index     int      `yaml:"index"`
	Version   int      `yaml:"version"`
	UpdatedAt string   `yaml:"updated_at"`
	CreatedAt string   `yaml:"created_at"`
}

const frontMatterFence = "---\n"

// ExportMarkdown renders a chapter as a markdown file with a YAML front
// matter block carrying its metadata.
func ExportMarkdown(full *Full) ([]byte, error) {
	fm := frontMatter{
		ID:        full.ID,
		ProjectID: full.ProjectID,
		Title:     full.Title,
		Summary:   full.Summary,
		Status:    string(full.Status),
		Tags:      full.Tags,
		Index:     full.Index,
		Version:   full.Version,
		UpdatedAt: full.UpdatedAt.UTC().Format(time.RFC3339),
		CreatedAt: full.CreatedAt.UTC().Format(time.RFC3339),
	}

	header, err := yaml.Marshal(&fm)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(frontMatterFence)
	buf.Write(header)
	buf.WriteString(frontMatterFence)
	buf.WriteString("\n")
	buf.WriteString(full.Content)
	return buf.Bytes(), nil
}

// ParseMarkdown parses an exported chapter file back into a Full chapter.
//
// Files without a front matter block are accepted: the whole body becomes
// the content and metadata is left for the caller to fill in.
func ParseMarkdown(data []byte) (*Full, error) {
	text := string(data)

	if !strings.HasPrefix(text, frontMatterFence) {
		return &Full{Content: text}, nil
	}

	rest := text[len(frontMatterFence):]
	end := strings.Index(rest, frontMatterFence)
	if end < 0 {
		return nil, fmt.Errorf("unterminated front matter block")
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return nil, fmt.Errorf("failed to parse front matter: %w", err)
	}

	body := strings.TrimPrefix(rest[end+len(frontMatterFence):], "\n")

	full := &Full{
		Meta: Meta{
			ID:        fm.ID,
			ProjectID: fm.ProjectID,
			Title:     fm.Title,
			Summary:   fm.Summary,
			Status:    Status(fm.Status),
			Tags:      fm.Tags,
			Index:     fm.Index,
			WordCount: CountWords(body),
		},
		Content: body,
		Version: fm.Version,
	}

	if t, err := time.Parse(time.RFC3339, fm.UpdatedAt); err == nil {
		full.UpdatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, fm.CreatedAt); err == nil {
		full.CreatedAt = t
	}

	return full, nil
}
