// Package client defines the vision language model interface used to
// audit dataset labels, and the shared parsing of model responses.
package client

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
)

// Verdict is a vision model's reading of one dataset image.
type Verdict struct {
	Label       string   `json:"label"`
	Confidence  float64  `json:"confidence"`
	IsDog       bool     `json:"isDog"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// VisionClient asks a vision language model about an image.
type VisionClient interface {
	// SimpleQuery sends a prompt with an image and returns the raw
	// text answer.
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	// ClassifyImage sends a prompt expecting the JSON verdict format
	// and parses the answer.
	ClassifyImage(ctx context.Context, model, prompt, imgB64 string) (*Verdict, error)
}

// fallback builds the conservative verdict used when a response cannot
// be parsed.
func fallback(description string, tags ...string) *Verdict {
	return &Verdict{
		Label:       "unknown",
		Confidence:  0,
		Description: description,
		Tags:        append(tags, "fallback"),
	}
}

// ParseVerdict parses a model response into a Verdict. Malformed
// responses yield a conservative unknown verdict rather than an error,
// since small vision models routinely wrap or break their JSON.
func ParseVerdict(raw string) *Verdict {
	raw = SanitizeModelJSON(raw)

	if !strings.HasPrefix(strings.TrimSpace(raw), "{") {
		return fallback("Model returned non-JSON response", "non-json")
	}

	var v Verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		start := strings.Index(raw, "{")
		end := strings.LastIndex(raw, "}")
		if start < 0 || end <= start {
			return fallback("No valid JSON found in response", "no-json")
		}
		if err2 := json.Unmarshal([]byte(raw[start:end+1]), &v); err2 != nil {
			return fallback("Failed to parse model response", "parse-error")
		}
	}

	if v.Label == "" {
		v.Label = "unknown"
	}
	return &v
}

var (
	reBlockComment  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLineComment   = regexp.MustCompile(`(?m)^\s*//.*$`)
	reInlineComment = regexp.MustCompile(`(?m)//.*$`)
	reTrailingComma = regexp.MustCompile(`,(\s*[}\]])`)
)

// SanitizeModelJSON removes code fences, comments and trailing commas
// from a model response and keeps only the outermost JSON object.
func SanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlockComment.ReplaceAllString(raw, "")
	raw = reLineComment.ReplaceAllString(raw, "")
	raw = reInlineComment.ReplaceAllString(raw, "")
	raw = reTrailingComma.ReplaceAllString(raw, "$1")

	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
