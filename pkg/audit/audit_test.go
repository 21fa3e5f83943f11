package audit

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"github.com/menta2k/dermclass/pkg/client"
)

// fakeVision plays back canned verdicts and records what it was asked.
type fakeVision struct {
	verdicts []*client.Verdict
	reply    string
	err      error

	calls   int
	prompts []string
	images  []string
}

func (f *fakeVision) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeVision) ClassifyImage(ctx context.Context, model, prompt, imgB64 string) (*client.Verdict, error) {
	f.prompts = append(f.prompts, prompt)
	f.images = append(f.images, imgB64)
	if f.err != nil {
		return nil, f.err
	}
	v := f.verdicts[f.calls%len(f.verdicts)]
	f.calls++
	cp := *v
	cp.Tags = append([]string(nil), v.Tags...)
	return &cp, nil
}

var testClasses = []string{"dermatitis", "healthy", "ringworm"}

func writeTestImage(t *testing.T, path string, w, h int) {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 180, G: 120, B: 90, A: 255})
	if err := imaging.Save(img, path); err != nil {
		t.Fatalf("Failed to save test image: %v", err)
	}
}

func TestNewDefaults(t *testing.T) {
	a := New(&fakeVision{}, "minicpm-v", 0, 0)
	if a.maxEdge != 768 {
		t.Errorf("Expected default maxEdge 768, got %d", a.maxEdge)
	}
	if a.timeout != 120*time.Second {
		t.Errorf("Expected default timeout 120s, got %v", a.timeout)
	}
}

func TestPrompt(t *testing.T) {
	p := Prompt(testClasses)
	for _, c := range testClasses {
		if !strings.Contains(p, fmt.Sprintf("%q", c)) {
			t.Errorf("Expected prompt to quote class %q", c)
		}
	}
	for _, want := range []string{`"unknown"`, "JSON only", "confidence", "isDog"} {
		if !strings.Contains(p, want) {
			t.Errorf("Expected prompt to contain %q", want)
		}
	}
}

func TestAuditImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.png")
	writeTestImage(t, path, 32, 32)

	tests := []struct {
		name        string
		verdict     *client.Verdict
		label       string
		wantLabel   string
		wantAgrees  bool
		wantFlagged bool
	}{
		{
			name:        "confident agreement",
			verdict:     &client.Verdict{Label: "dermatitis", Confidence: 0.9, IsDog: true},
			label:       "dermatitis",
			wantLabel:   "dermatitis",
			wantAgrees:  true,
			wantFlagged: false,
		},
		{
			name:        "confident disagreement",
			verdict:     &client.Verdict{Label: "healthy", Confidence: 0.8, IsDog: true},
			label:       "dermatitis",
			wantLabel:   "healthy",
			wantAgrees:  false,
			wantFlagged: true,
		},
		{
			name:        "hesitant disagreement",
			verdict:     &client.Verdict{Label: "healthy", Confidence: 0.3, IsDog: true},
			label:       "dermatitis",
			wantLabel:   "healthy",
			wantAgrees:  false,
			wantFlagged: false,
		},
		{
			name:        "inconclusive",
			verdict:     &client.Verdict{Label: "unknown", Confidence: 0.9, IsDog: true},
			label:       "dermatitis",
			wantLabel:   "unknown",
			wantAgrees:  false,
			wantFlagged: false,
		},
		{
			name:        "not a dog",
			verdict:     &client.Verdict{Label: "dermatitis", Confidence: 0.9, IsDog: false},
			label:       "dermatitis",
			wantLabel:   "dermatitis",
			wantAgrees:  true,
			wantFlagged: true,
		},
		{
			name:        "messy label casing",
			verdict:     &client.Verdict{Label: " Ringworm ", Confidence: 0.7, IsDog: true},
			label:       "ringworm",
			wantLabel:   "ringworm",
			wantAgrees:  true,
			wantFlagged: false,
		},
		{
			name:        "longer label variant",
			verdict:     &client.Verdict{Label: "Ringworm fungal infection", Confidence: 0.7, IsDog: true},
			label:       "ringworm",
			wantLabel:   "ringworm",
			wantAgrees:  true,
			wantFlagged: false,
		},
		{
			name:        "off-list label",
			verdict:     &client.Verdict{Label: "mange", Confidence: 0.9, IsDog: true},
			label:       "dermatitis",
			wantLabel:   "unknown",
			wantAgrees:  false,
			wantFlagged: false,
		},
		{
			name:        "parser fallback",
			verdict:     &client.Verdict{Label: "parse-error", Confidence: 0.9, IsDog: true},
			label:       "dermatitis",
			wantLabel:   "unknown",
			wantAgrees:  false,
			wantFlagged: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(&fakeVision{verdicts: []*client.Verdict{tt.verdict}}, "minicpm-v", 768, time.Minute)
			f, err := a.AuditImage(context.Background(), path, tt.label, testClasses)
			if err != nil {
				t.Fatalf("AuditImage failed: %v", err)
			}
			if f.Verdict.Label != tt.wantLabel {
				t.Errorf("Expected normalized label %q, got %q", tt.wantLabel, f.Verdict.Label)
			}
			if f.Agrees != tt.wantAgrees {
				t.Errorf("Expected Agrees %v, got %v", tt.wantAgrees, f.Agrees)
			}
			if f.Flagged != tt.wantFlagged {
				t.Errorf("Expected Flagged %v, got %v", tt.wantFlagged, f.Flagged)
			}
		})
	}
}

func TestAuditImagePromptAndPayload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wide.png")
	writeTestImage(t, path, 64, 32)

	fake := &fakeVision{verdicts: []*client.Verdict{{Label: "healthy", Confidence: 0.6, IsDog: true}}}
	a := New(fake, "minicpm-v", 16, time.Minute)
	if _, err := a.AuditImage(context.Background(), path, "healthy", testClasses); err != nil {
		t.Fatalf("AuditImage failed: %v", err)
	}

	if len(fake.prompts) != 1 || !strings.Contains(fake.prompts[0], `"ringworm"`) {
		t.Errorf("Expected the audit prompt to be sent, got %v", fake.prompts)
	}

	raw, err := base64.StdEncoding.DecodeString(fake.images[0])
	if err != nil {
		t.Fatalf("Payload is not valid base64: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Payload is not a JPEG: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != 16 || b.Dy() != 8 {
		t.Errorf("Expected payload resized to 16x8, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestAuditImageErrors(t *testing.T) {
	dir := t.TempDir()
	a := New(&fakeVision{err: fmt.Errorf("model offline")}, "minicpm-v", 768, time.Minute)

	if _, err := a.AuditImage(context.Background(), filepath.Join(dir, "missing.png"), "healthy", testClasses); err == nil {
		t.Error("Expected error for missing image")
	}

	path := filepath.Join(dir, "ok.png")
	writeTestImage(t, path, 32, 32)
	if _, err := a.AuditImage(context.Background(), path, "healthy", testClasses); err == nil {
		t.Error("Expected error when the model query fails")
	}
}

func TestAuditDir(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{"dermatitis/a.png", "dermatitis/b.png", "healthy/c.png"} {
		full := filepath.Join(dir, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("Failed to create class dir: %v", err)
		}
		writeTestImage(t, full, 32, 32)
	}
	// Undecodable file, should be skipped without failing the audit.
	if err := os.WriteFile(filepath.Join(dir, "healthy", "broken.png"), []byte("not an image"), 0o644); err != nil {
		t.Fatalf("Failed to write broken file: %v", err)
	}

	fake := &fakeVision{verdicts: []*client.Verdict{
		{Label: "dermatitis", Confidence: 0.9, IsDog: true},
		{Label: "healthy", Confidence: 0.8, IsDog: true},
		{Label: "unknown", Confidence: 0, IsDog: false},
	}}
	a := New(fake, "minicpm-v", 768, time.Minute)

	report, err := a.AuditDir(context.Background(), dir, nil)
	if err != nil {
		t.Fatalf("AuditDir failed: %v", err)
	}
	if report.Checked != 3 {
		t.Errorf("Expected 3 checked images, got %d", report.Checked)
	}
	if report.Agreed != 1 {
		t.Errorf("Expected 1 agreement, got %d", report.Agreed)
	}
	if report.Unknown != 1 {
		t.Errorf("Expected 1 inconclusive verdict, got %d", report.Unknown)
	}
	if report.Flagged != 1 {
		t.Errorf("Expected 1 flagged image, got %d", report.Flagged)
	}

	out := report.String()
	if !strings.Contains(out, "checked 3 images") {
		t.Errorf("Expected summary line, got %q", out)
	}
	if !strings.Contains(out, "b.png") {
		t.Errorf("Expected flagged file in report, got %q", out)
	}
	if strings.Contains(out, "a.png") {
		t.Errorf("Expected agreeing file to stay out of the report, got %q", out)
	}
}

func TestAuditDirCancel(t *testing.T) {
	dir := t.TempDir()
	full := filepath.Join(dir, "healthy", "a.png")
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("Failed to create class dir: %v", err)
	}
	writeTestImage(t, full, 32, 32)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := New(&fakeVision{verdicts: []*client.Verdict{{Label: "healthy", Confidence: 1, IsDog: true}}}, "minicpm-v", 768, time.Minute)
	report, err := a.AuditDir(ctx, dir, nil)
	if err == nil {
		t.Fatal("Expected error from canceled context")
	}
	if report.Checked != 0 {
		t.Errorf("Expected no images checked after cancel, got %d", report.Checked)
	}
}

func TestCheckVision(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "probe.png")
	writeTestImage(t, path, 32, 32)

	a := New(&fakeVision{reply: "A close-up of reddened dog skin."}, "minicpm-v", 768, time.Minute)
	reply, err := a.CheckVision(context.Background(), path)
	if err != nil {
		t.Fatalf("CheckVision failed: %v", err)
	}
	if !strings.Contains(reply, "dog skin") {
		t.Errorf("Expected the model reply, got %q", reply)
	}
}

func TestNormalizeTags(t *testing.T) {
	got := normalizeTags([]string{" Dog ", "dog", "SKIN", "", "red", "fur", "lesion", "extra"})
	want := []string{"dog", "skin", "red", "fur", "lesion"}
	if len(got) != len(want) {
		t.Fatalf("Expected %d tags, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected tag %d to be %q, got %q", i, want[i], got[i])
		}
	}
}
