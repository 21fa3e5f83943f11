// Package audit cross-checks dataset labels with a vision language
// model. Class folders are only as trustworthy as whoever sorted them,
// so each image is shown to the model and disagreements are flagged
// for review.
package audit

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image/jpeg"
	"log"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/menta2k/dermclass/pkg/client"
	"github.com/menta2k/dermclass/pkg/dataset"
)

// visionCheckPrompt verifies the model can see images at all.
const visionCheckPrompt = `What do you see in this image? Describe it briefly.`

// flagThreshold is the minimum model confidence for a disagreement to
// be flagged.
const flagThreshold = 0.5

// Auditor checks dataset labels against a vision model.
type Auditor struct {
	client  client.VisionClient
	model   string
	maxEdge int
	quality int
	timeout time.Duration
}

// New creates an Auditor. maxEdge bounds the long image side sent to
// the model and timeout bounds each request.
func New(c client.VisionClient, model string, maxEdge int, timeout time.Duration) *Auditor {
	if maxEdge < 1 {
		maxEdge = 768
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Auditor{
		client:  c,
		model:   model,
		maxEdge: maxEdge,
		quality: 85,
		timeout: timeout,
	}
}

// Prompt builds the JSON-only audit prompt for a set of class names.
func Prompt(classes []string) string {
	quoted := make([]string, len(classes))
	for i, c := range classes {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	return fmt.Sprintf(`You are auditing labels in a dataset of canine skin disease photos.

Return JSON only:
{
  "label": "string",
  "confidence": 0.0,
  "isDog": true,
  "description": "short neutral sentence (<= 20 words)",
  "tags": ["tag1", "tag2", "tag3", "tag4", "tag5"]
}

HARD RULES
- "label" MUST be exactly one of: %s, or "unknown".
- "confidence" is your certainty in the label, in [0,1].
- "isDog" is true when the photo shows a dog or part of one.
- Description must be brief and factual.
- Tags: lowercase, concise, no punctuation or duplicates.
- If the image is unreadable or unrelated, return:
  {"label":"unknown","confidence":0.0,"isDog":false,"description":"unreadable or unrelated image","tags":["unknown","unreadable","audit"]}
- JSON only. No markdown, no code fences, no comments, no trailing commas.`,
		strings.Join(quoted, ", "))
}

// Finding is the audit outcome for one labeled image.
type Finding struct {
	Path    string
	Label   string
	Verdict *client.Verdict
	Agrees  bool
	Flagged bool
}

// Report collects findings over a dataset.
type Report struct {
	Checked  int
	Agreed   int
	Unknown  int
	Flagged  int
	Findings []Finding
}

func (r *Report) add(f *Finding) {
	r.Checked++
	if f.Agrees {
		r.Agreed++
	}
	if f.Verdict.Label == "unknown" {
		r.Unknown++
	}
	if f.Flagged {
		r.Flagged++
	}
	r.Findings = append(r.Findings, *f)
}

// String renders a console summary with one line per flagged image.
func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "checked %d images: %d agree, %d inconclusive, %d flagged\n",
		r.Checked, r.Agreed, r.Unknown, r.Flagged)
	for _, f := range r.Findings {
		if !f.Flagged {
			continue
		}
		fmt.Fprintf(&b, "  %s: labeled %q, model saw %q (%.2f)\n",
			f.Path, f.Label, f.Verdict.Label, f.Verdict.Confidence)
	}
	return b.String()
}

// CheckVision sends a trivial prompt with the image at path, to verify
// the model actually receives images before a long audit run.
func (a *Auditor) CheckVision(ctx context.Context, path string) (string, error) {
	b64, err := a.encodeImage(path)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.client.SimpleQuery(ctx, a.model, visionCheckPrompt, b64)
}

// AuditImage checks one labeled image against the model.
func (a *Auditor) AuditImage(ctx context.Context, path, label string, classes []string) (*Finding, error) {
	b64, err := a.encodeImage(path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	verdict, err := a.client.ClassifyImage(ctx, a.model, Prompt(classes), b64)
	if err != nil {
		return nil, err
	}
	normalizeVerdict(verdict, classes)

	f := &Finding{
		Path:    path,
		Label:   label,
		Verdict: verdict,
		Agrees:  verdict.Label == label,
	}
	// Inconclusive answers are left alone. A confident disagreement,
	// or a confident claim that this is not a dog at all, is flagged.
	if verdict.Confidence >= flagThreshold {
		if !verdict.IsDog {
			f.Flagged = true
		} else if !f.Agrees && verdict.Label != "unknown" {
			f.Flagged = true
		}
	}
	return f, nil
}

// AuditDir audits every image in a class labeled directory tree.
// Images that fail to load or query are logged and skipped, the audit
// continues with the rest.
func (a *Auditor) AuditDir(ctx context.Context, dir string, exts []string) (*Report, error) {
	idx, err := dataset.Scan(dir, exts)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	for _, s := range idx.Samples {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		f, err := a.AuditImage(ctx, s.Path, idx.Classes[s.Label], idx.Classes)
		if err != nil {
			log.Printf("audit: skipping %s: %v", s.Path, err)
			continue
		}
		report.add(f)
	}
	return report, nil
}

// encodeImage loads the image, bounds its long side and returns it as
// base64 JPEG.
func (a *Auditor) encodeImage(path string) (string, error) {
	img, err := dataset.DecodeImage(path)
	if err != nil {
		return "", err
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > a.maxEdge || h > a.maxEdge {
		if w >= h {
			img = imaging.Resize(img, a.maxEdge, 0, imaging.Lanczos)
		} else {
			img = imaging.Resize(img, 0, a.maxEdge, imaging.Lanczos)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: a.quality}); err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// normalizeVerdict lowers and maps the label onto the known classes,
// demotes parser fallbacks to unknown, clamps confidence and cleans
// tags.
func normalizeVerdict(v *client.Verdict, classes []string) {
	label := strings.ToLower(strings.TrimSpace(v.Label))
	label = strings.ReplaceAll(label, " ", "_")

	for _, indicator := range []string{"unclear", "parse", "error", "fallback", "non-json", "no-json"} {
		if strings.Contains(label, indicator) {
			label = "unknown"
			v.Confidence = 0
			break
		}
	}

	if label != "unknown" {
		matched := ""
		for _, c := range classes {
			if label == c {
				matched = c
				break
			}
			if strings.Contains(c, label) || strings.Contains(label, c) {
				matched = c
			}
		}
		if matched == "" {
			label = "unknown"
		} else {
			label = matched
		}
	}
	v.Label = label

	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	v.Tags = normalizeTags(v.Tags)
}

// normalizeTags lowercases, deduplicates and caps tags at 5 entries.
func normalizeTags(tags []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, 5)
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == 5 {
			break
		}
	}
	return out
}
