// Package serve exposes a trained classifier over HTTP: prediction on
// uploaded images, model metadata, and labeled image intake for future
// retraining.
package serve

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/menta2k/dermclass/internal/utils"
	"github.com/menta2k/dermclass/pkg/classifier"
)

// Config controls the HTTP server.
type Config struct {
	ModelDir    string
	DataDir     string
	TopK        int
	MaxUploadMB int
}

// Server wires a classifier into a gin API.
type Server struct {
	cls      *classifier.Classifier
	modelDir string
	dataDir  string
	topK     int
	maxBytes int64
	engine   *gin.Engine
}

// New wraps an already loaded classifier into a server. ModelDir, when
// set, backs the model metadata endpoint; DataDir, when set, enables
// labeled image uploads.
func New(cls *classifier.Classifier, cfg Config) *Server {
	topK := cfg.TopK
	if topK < 1 {
		topK = len(cls.Classes)
	}
	maxMB := cfg.MaxUploadMB
	if maxMB < 1 {
		maxMB = 8
	}

	s := &Server{
		cls:      cls,
		modelDir: cfg.ModelDir,
		dataDir:  cfg.DataDir,
		topK:     topK,
		maxBytes: int64(maxMB) << 20,
	}
	s.engine = s.setupRoutes()
	return s
}

// Open loads the model from cfg.ModelDir and wraps it into a server.
func Open(cfg Config) (*Server, error) {
	cls, err := classifier.Load(cfg.ModelDir)
	if err != nil {
		return nil, err
	}
	return New(cls, cfg), nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run starts the server on addr and blocks.
func (s *Server) Run(addr string) error {
	log.Printf("serving model %s on %s", s.cls.Name, addr)
	return s.engine.Run(addr)
}

func (s *Server) setupRoutes() *gin.Engine {
	r := gin.Default()
	r.MaxMultipartMemory = 8 << 20
	r.Use(s.limitBody)

	r.GET("/healthz", s.healthz)
	r.GET("/model", s.showModel)
	r.POST("/predict", s.predict)
	r.POST("/images", s.uploadImages)

	return r
}

// limitBody caps request bodies so oversized uploads fail early instead
// of buffering.
func (s *Server) limitBody(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBytes)
	c.Next()
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"model":  s.cls.Name,
	})
}

func (s *Server) showModel(c *gin.Context) {
	if s.modelDir != "" {
		info, err := classifier.ReadInfo(s.modelDir)
		if err != nil {
			Error(c, http.StatusInternalServerError, err)
			return
		}
		c.JSON(http.StatusOK, info)
		return
	}

	// No model directory, report what the loaded classifier knows.
	c.JSON(http.StatusOK, classifier.Info{
		Name:           s.cls.Name,
		Classification: "multi",
		InputShape:     []int32{int32(s.cls.Edge), int32(s.cls.Edge), 3},
		Classes:        s.cls.Classes,
		Description:    s.cls.Description,
	})
}

func (s *Server) predict(c *gin.Context) {
	file, header, err := c.Request.FormFile("image")
	if err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}
	defer file.Close()

	img, err := imaging.Decode(file)
	if err != nil {
		Error(c, http.StatusBadRequest, fmt.Errorf("failed to decode image: %w", err))
		return
	}

	k := s.topK
	if q := c.Query("k"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			Error(c, http.StatusBadRequest, fmt.Errorf("invalid k: %q", q))
			return
		}
		k = n
	}

	t0 := time.Now()
	preds, err := s.cls.Predict(img)
	if err != nil {
		Error(c, http.StatusInternalServerError, err)
		return
	}
	if len(preds) > k {
		preds = preds[:k]
	}

	c.JSON(http.StatusOK, gin.H{
		"file":        header.Filename,
		"predictions": preds,
		"elapsed(ms)": time.Since(t0).Milliseconds(),
	})
}

func (s *Server) uploadImages(c *gin.Context) {
	if s.dataDir == "" {
		Error(c, http.StatusBadRequest, errors.New("image uploads are not enabled"))
		return
	}

	class := utils.SanitizeFilename(c.Query("class"))
	if class == "" {
		Error(c, http.StatusBadRequest, errors.New("empty `class`"))
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		Error(c, http.StatusBadRequest, err)
		return
	}
	images := form.File["images[]"]
	if len(images) == 0 {
		Error(c, http.StatusBadRequest, errors.New("no files in `images[]`"))
		return
	}

	dir := filepath.Join(s.dataDir, class)
	if err := utils.EnsureDir(dir); err != nil {
		Error(c, http.StatusInternalServerError, err)
		return
	}

	var (
		saved  []string
		failed int
	)
	for _, image := range images {
		if !utils.IsImageFile(image.Filename) {
			log.Printf("serve: rejecting %s: not an image file", image.Filename)
			failed++
			continue
		}
		name := fmt.Sprintf("%s-%s", uuid.New().String()[:8],
			utils.SanitizeFilename(filepath.Base(image.Filename)))
		if err := c.SaveUploadedFile(image, filepath.Join(dir, name)); err != nil {
			log.Printf("serve: failed to save %s: %v", image.Filename, err)
			failed++
			continue
		}
		saved = append(saved, name)
	}

	c.JSON(http.StatusOK, gin.H{
		"infos": gin.H{
			"total":      len(images),
			"successful": len(saved),
			"failed":     failed,
		},
		"class": class,
		"files": saved,
	})
}

// HTTPError is the JSON error payload.
type HTTPError struct {
	Error string `json:"error"`
}

// Error writes an error as a JSON response.
func Error(c *gin.Context, status int, err error) {
	c.JSON(status, HTTPError{
		Error: err.Error(),
	})
}
