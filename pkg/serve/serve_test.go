package serve

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/menta2k/dermclass/pkg/classifier"
	"github.com/menta2k/dermclass/pkg/nn"
	"github.com/menta2k/dermclass/pkg/training"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func testClassifier(t *testing.T) *classifier.Classifier {
	t.Helper()
	backbone := []nn.LayerConfig{
		nn.Dense{Units: 8}.Marshal(),
		nn.ReLU{}.Marshal(),
	}
	cls, err := classifier.New(backbone, []string{"dermatitis", "healthy", "ringworm"}, 4, 1)
	if err != nil {
		t.Fatalf("Failed to build classifier: %v", err)
	}
	return cls
}

func testImageBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 80, B: 60, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func multipartBody(t *testing.T, field string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, data := range files {
		fw, err := w.CreateFormFile(field, name)
		if err != nil {
			t.Fatalf("Failed to create form file: %v", err)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatalf("Failed to write form file: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close multipart writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := New(testClassifier(t), Config{})
	rec := do(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("Expected ok status, got %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "dermclass") {
		t.Errorf("Expected model name, got %s", rec.Body.String())
	}
}

func TestPredict(t *testing.T) {
	s := New(testClassifier(t), Config{TopK: 2})

	body, contentType := multipartBody(t, "image", map[string][]byte{"dog.png": testImageBytes(t)})
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)

	rec := do(s, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		File        string                  `json:"file"`
		Predictions []classifier.Prediction `json:"predictions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.File != "dog.png" {
		t.Errorf("Expected file dog.png, got %q", resp.File)
	}
	if len(resp.Predictions) != 2 {
		t.Fatalf("Expected 2 predictions with TopK 2, got %d", len(resp.Predictions))
	}
	if resp.Predictions[0].Score < resp.Predictions[1].Score {
		t.Error("Expected predictions sorted by descending score")
	}
}

func TestPredictKQuery(t *testing.T) {
	s := New(testClassifier(t), Config{TopK: 3})

	body, contentType := multipartBody(t, "image", map[string][]byte{"dog.png": testImageBytes(t)})
	req := httptest.NewRequest(http.MethodPost, "/predict?k=1", body)
	req.Header.Set("Content-Type", contentType)

	rec := do(s, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Predictions []classifier.Prediction `json:"predictions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Predictions) != 1 {
		t.Errorf("Expected 1 prediction with k=1, got %d", len(resp.Predictions))
	}

	body, contentType = multipartBody(t, "image", map[string][]byte{"dog.png": testImageBytes(t)})
	req = httptest.NewRequest(http.MethodPost, "/predict?k=zero", body)
	req.Header.Set("Content-Type", contentType)
	if rec := do(s, req); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for bad k, got %d", rec.Code)
	}
}

func TestPredictErrors(t *testing.T) {
	s := New(testClassifier(t), Config{})

	// No image field at all.
	body, contentType := multipartBody(t, "other", map[string][]byte{"dog.png": testImageBytes(t)})
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)
	rec := do(s, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for missing image, got %d", rec.Code)
	}
	var httpErr HTTPError
	if err := json.Unmarshal(rec.Body.Bytes(), &httpErr); err != nil || httpErr.Error == "" {
		t.Errorf("Expected JSON error payload, got %s", rec.Body.String())
	}

	// Image field with bytes that do not decode.
	body, contentType = multipartBody(t, "image", map[string][]byte{"dog.png": []byte("not an image")})
	req = httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)
	if rec := do(s, req); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for undecodable image, got %d", rec.Code)
	}
}

func TestBodyLimit(t *testing.T) {
	s := New(testClassifier(t), Config{MaxUploadMB: 1})

	big := bytes.Repeat([]byte{0xAB}, 2<<20)
	body, contentType := multipartBody(t, "image", map[string][]byte{"big.bin": big})
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)

	if rec := do(s, req); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for oversized body, got %d", rec.Code)
	}
}

func TestShowModel(t *testing.T) {
	s := New(testClassifier(t), Config{})
	rec := do(s, httptest.NewRequest(http.MethodGet, "/model", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var info classifier.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("Failed to decode model info: %v", err)
	}
	if info.Name != "dermclass" {
		t.Errorf("Expected name dermclass, got %q", info.Name)
	}
	if len(info.Classes) != 3 {
		t.Errorf("Expected 3 classes, got %v", info.Classes)
	}
}

func TestShowModelFromDir(t *testing.T) {
	dir := t.TempDir()
	cls := testClassifier(t)

	h := &training.History{
		HasVal:   true,
		InitLoss: 1.5,
		InitAcc:  0.25,
		Epochs: []training.Epoch{
			{Epoch: 1, Loss: 1.2, Acc: 0.5, ValLoss: 1.1, ValAcc: 0.6},
			{Epoch: 2, Loss: 0.9, Acc: 0.7, ValLoss: 1.0, ValAcc: 0.65},
		},
	}
	if err := cls.Save(dir, h); err != nil {
		t.Fatalf("Failed to save model: %v", err)
	}

	s, err := Open(Config{ModelDir: dir})
	if err != nil {
		t.Fatalf("Failed to open model dir: %v", err)
	}

	rec := do(s, httptest.NewRequest(http.MethodGet, "/model", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var info classifier.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("Failed to decode model info: %v", err)
	}
	if info.TrainingResult.Epochs != 2 {
		t.Errorf("Expected 2 recorded epochs, got %d", info.TrainingResult.Epochs)
	}
	if len(info.TrainingResult.ValidationAccuracy) != 2 {
		t.Errorf("Expected validation accuracy history, got %v", info.TrainingResult.ValidationAccuracy)
	}
	if info.Type != "smallInception" {
		t.Errorf("Expected type smallInception, got %q", info.Type)
	}
}

func TestOpenMissingDir(t *testing.T) {
	if _, err := Open(Config{ModelDir: filepath.Join(t.TempDir(), "nope")}); err == nil {
		t.Error("Expected error for missing model directory")
	}
}

func TestUploadImages(t *testing.T) {
	dataDir := t.TempDir()
	s := New(testClassifier(t), Config{DataDir: dataDir})

	img := testImageBytes(t)
	body, contentType := multipartBody(t, "images[]", map[string][]byte{
		"a.png": img,
		"b.png": img,
	})
	req := httptest.NewRequest(http.MethodPost, "/images?class=healthy", body)
	req.Header.Set("Content-Type", contentType)

	rec := do(s, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Infos struct {
			Total      int `json:"total"`
			Successful int `json:"successful"`
			Failed     int `json:"failed"`
		} `json:"infos"`
		Class string   `json:"class"`
		Files []string `json:"files"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Infos.Total != 2 || resp.Infos.Successful != 2 || resp.Infos.Failed != 0 {
		t.Errorf("Expected 2/2/0 totals, got %+v", resp.Infos)
	}
	if resp.Class != "healthy" {
		t.Errorf("Expected class healthy, got %q", resp.Class)
	}

	for _, name := range resp.Files {
		if !strings.HasSuffix(name, ".png") {
			t.Errorf("Expected saved name to keep the original extension, got %q", name)
		}
		if len(name) < len("a.png")+9 {
			t.Errorf("Expected a unique prefix on %q", name)
		}
		data, err := os.ReadFile(filepath.Join(dataDir, "healthy", name))
		if err != nil {
			t.Fatalf("Expected saved file on disk: %v", err)
		}
		if !bytes.Equal(data, img) {
			t.Errorf("Expected saved file %q to match the upload byte for byte", name)
		}
	}
}

func TestUploadImagesSkipsNonImages(t *testing.T) {
	dataDir := t.TempDir()
	s := New(testClassifier(t), Config{DataDir: dataDir})

	body, contentType := multipartBody(t, "images[]", map[string][]byte{
		"a.png":     testImageBytes(t),
		"notes.txt": []byte("not an image"),
	})
	req := httptest.NewRequest(http.MethodPost, "/images?class=healthy", body)
	req.Header.Set("Content-Type", contentType)

	rec := do(s, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Infos struct {
			Total      int `json:"total"`
			Successful int `json:"successful"`
			Failed     int `json:"failed"`
		} `json:"infos"`
		Files []string `json:"files"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Infos.Total != 2 || resp.Infos.Successful != 1 || resp.Infos.Failed != 1 {
		t.Errorf("Expected 2/1/1 totals, got %+v", resp.Infos)
	}
	for _, name := range resp.Files {
		if strings.HasSuffix(name, ".txt") {
			t.Errorf("Expected non-image %q to be rejected", name)
		}
	}
}

func TestUploadImagesErrors(t *testing.T) {
	img := testImageBytes(t)

	// Uploads disabled.
	s := New(testClassifier(t), Config{})
	body, contentType := multipartBody(t, "images[]", map[string][]byte{"a.png": img})
	req := httptest.NewRequest(http.MethodPost, "/images?class=healthy", body)
	req.Header.Set("Content-Type", contentType)
	if rec := do(s, req); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 without a data directory, got %d", rec.Code)
	}

	s = New(testClassifier(t), Config{DataDir: t.TempDir()})

	// Missing class.
	body, contentType = multipartBody(t, "images[]", map[string][]byte{"a.png": img})
	req = httptest.NewRequest(http.MethodPost, "/images", body)
	req.Header.Set("Content-Type", contentType)
	if rec := do(s, req); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for missing class, got %d", rec.Code)
	}

	// Class that sanitizes to nothing.
	body, contentType = multipartBody(t, "images[]", map[string][]byte{"a.png": img})
	req = httptest.NewRequest(http.MethodPost, "/images?class=..", body)
	req.Header.Set("Content-Type", contentType)
	if rec := do(s, req); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for unusable class name, got %d", rec.Code)
	}

	// No files.
	body, contentType = multipartBody(t, "images[]", map[string][]byte{})
	req = httptest.NewRequest(http.MethodPost, "/images?class=healthy", body)
	req.Header.Set("Content-Type", contentType)
	if rec := do(s, req); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for empty upload, got %d", rec.Code)
	}
}
