package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/menta2k/dermclass"
	"github.com/menta2k/dermclass/internal/config"
	"github.com/menta2k/dermclass/internal/utils"
	"github.com/menta2k/dermclass/pkg/audit"
	"github.com/menta2k/dermclass/pkg/augment"
	"github.com/menta2k/dermclass/pkg/client"
	"github.com/menta2k/dermclass/pkg/llamacpp"
	"github.com/menta2k/dermclass/pkg/ollama"
	"github.com/menta2k/dermclass/pkg/preprocess"
	"github.com/menta2k/dermclass/pkg/processing"
	"github.com/menta2k/dermclass/pkg/serve"
	"github.com/menta2k/dermclass/pkg/training"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "split":
		runSplit(args)
	case "train":
		runTrain(args)
	case "eval":
		runEval(args)
	case "predict":
		runPredict(args)
	case "audit":
		runAudit(args)
	case "serve":
		runServe(args)
	case "version":
		fmt.Println(dermclass.Version)
	default:
		usage()
	}
}

func usage() {
	log.Fatalf(`usage: %s <command> [flags]

commands:
  split    partition a labelled image directory into train/ and validation/
  train    train a classifier on a split dataset
  eval     score a trained model on a labelled directory
  predict  classify a single image
  audit    cross-check dataset labels with a vision language model
  serve    expose a trained model over HTTP
  version  print the library version

run %s <command> -h for the flags of a command`, prog(), prog())
}

func prog() string {
	return filepath.Base(os.Args[0])
}

func runSplit(args []string) {
	fs := flag.NewFlagSet("split", flag.ExitOnError)
	cfgPath := fs.String("config", "", "JSON configuration file")
	in := fs.String("in", "", "source directory with one subdirectory per class")
	out := fs.String("out", "data", "output directory for the train/ and validation/ trees")
	ratio := fs.Float64("ratio", 0.2, "validation fraction")
	seed := fs.Int64("seed", 42, "shuffle seed")
	fs.Parse(args)

	if *in == "" {
		log.Fatalf("usage: %s split -in images [-out data] [-ratio 0.2] [-seed 42]", prog())
	}

	cfg := loadConfig(*cfgPath)
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "ratio":
			cfg.Dataset.ValRatio = *ratio
		case "seed":
			cfg.Dataset.Seed = *seed
		}
	})

	summary, err := newPipeline(cfg).SplitDataset(*in, *out)
	if err != nil {
		log.Fatal(err)
	}

	for _, cs := range summary.Classes {
		log.Printf("%s: %d train, %d validation", cs.Class, cs.Train, cs.Val)
	}
	log.Printf("split %d images into %d train / %d validation (%s copied)",
		summary.Total(), summary.TrainTotal, summary.ValTotal,
		utils.FormatFileSize(summary.BytesCopied))
}

func runTrain(args []string) {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	cfgPath := fs.String("config", "", "JSON configuration file")
	data := fs.String("data", "data", "dataset directory holding train/ and validation/")
	model := fs.String("model", "model", "output model directory")
	size := fs.Int("size", 299, "input image edge in pixels")
	batch := fs.Int("batch", 32, "batch size")
	headEpochs := fs.Int("head-epochs", 20, "maximum epochs for the head phase")
	ftEpochs := fs.Int("ft-epochs", 10, "maximum epochs for the fine tune phase")
	seed := fs.Int64("seed", 42, "weight init and shuffle seed")
	focus := fs.Bool("focus-crop", false, "crop images to their lesion region before resizing")
	quiet := fs.Bool("quiet", false, "suppress per epoch progress")
	fs.Parse(args)

	cfg := loadConfig(*cfgPath)
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "size":
			cfg.Dataset.InputSize = *size
		case "batch":
			cfg.Train.BatchSize = *batch
		case "head-epochs":
			cfg.Train.HeadEpochs = *headEpochs
		case "ft-epochs":
			cfg.Train.FineTuneEpochs = *ftEpochs
		case "seed":
			cfg.Dataset.Seed = *seed
		case "focus-crop":
			cfg.Dataset.FocusCrop = *focus
		}
	})

	pipe := newPipeline(cfg)
	pipe.Verbose = !*quiet

	t0 := time.Now()
	_, h, err := pipe.TrainModel(*data, *model)
	if err != nil {
		log.Fatal(err)
	}

	last := h.Last()
	log.Printf("trained %d epochs in %s", h.Len(), time.Since(t0).Round(time.Second))
	if h.HasVal {
		log.Printf("final: loss=%.4f acc=%.4f val_loss=%.4f val_acc=%.4f",
			last.Loss, last.Acc, last.ValLoss, last.ValAcc)
	} else {
		log.Printf("final: loss=%.4f acc=%.4f", last.Loss, last.Acc)
	}
	log.Printf("model saved to %s", *model)
}

func runEval(args []string) {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	cfgPath := fs.String("config", "", "JSON configuration file")
	model := fs.String("model", "model", "model directory")
	data := fs.String("data", filepath.Join("data", "validation"), "labelled directory to score")
	focus := fs.Bool("focus-crop", false, "crop images to their lesion region before resizing")
	fs.Parse(args)

	cfg := loadConfig(*cfgPath)
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "focus-crop" {
			cfg.Dataset.FocusCrop = *focus
		}
	})

	report, err := newPipeline(cfg).EvaluateModel(*model, *data)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Print(report.String())
}

func runPredict(args []string) {
	fs := flag.NewFlagSet("predict", flag.ExitOnError)
	cfgPath := fs.String("config", "", "JSON configuration file")
	model := fs.String("model", "model", "model directory")
	in := fs.String("in", "", "image file or URL to classify")
	k := fs.Int("k", 0, "number of classes to print, 0 for all")
	focus := fs.Bool("focus-crop", false, "crop the image to its lesion region before resizing")
	debug := fs.String("debug", "", "write an overlay marking the lesion region to this path")
	fs.Parse(args)

	if *in == "" {
		log.Fatalf("usage: %s predict -in dog.jpg|URL [-model model] [-k 2]", prog())
	}

	cfg := loadConfig(*cfgPath)
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "focus-crop" {
			cfg.Dataset.FocusCrop = *focus
		}
	})

	cls, err := newPipeline(cfg).LoadModel(*model)
	if err != nil {
		log.Fatal(err)
	}
	img, err := processing.Fetch(*in)
	if err != nil {
		log.Fatal(err)
	}

	if *debug != "" || cfg.Dataset.FocusCrop {
		cropper := preprocess.New()
		if *debug != "" {
			overlay := processing.OverlayRegion(img, cropper.BestRegion(img))
			if err := processing.Save(overlay, *debug, 90); err != nil {
				log.Fatal(err)
			}
			log.Printf("wrote lesion region overlay to %s", *debug)
		}
		if cfg.Dataset.FocusCrop {
			img = cropper.FocusCrop(img)
		}
	}

	preds, err := cls.Predict(img)
	if err != nil {
		log.Fatal(err)
	}
	if *k > 0 && len(preds) > *k {
		preds = preds[:*k]
	}
	for _, p := range preds {
		fmt.Printf("%-40s %.4f\n", p.Class, p.Score)
	}
}

func runAudit(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	cfgPath := fs.String("config", "", "JSON configuration file")
	in := fs.String("in", "", "labelled directory to audit")
	backend := fs.String("backend", "ollama", "backend to use: ollama or llamacpp")
	url := fs.String("url", "", "server URL (defaults: ollama=http://localhost:11434, llamacpp=http://localhost:8080)")
	model := fs.String("vision-model", "minicpm-v", "vision model name")
	probe := fs.String("probe", "", "send one image with a trivial prompt and print the reply")
	fs.Parse(args)

	cfg := loadConfig(*cfgPath)
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			cfg.Audit.Backend = *backend
		case "url":
			cfg.Audit.URL = *url
		case "vision-model":
			cfg.Audit.Model = *model
		}
	})

	vc := newVisionClient(cfg.Audit.Backend, cfg.Audit.URL)
	a := audit.New(vc, cfg.Audit.Model, cfg.Audit.MaxEdge,
		time.Duration(cfg.Audit.TimeoutSeconds)*time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *probe != "" {
		reply, err := a.CheckVision(ctx, *probe)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(reply)
		return
	}

	if *in == "" {
		log.Fatalf("usage: %s audit -in data/train [-backend ollama|llamacpp] [-vision-model minicpm-v]", prog())
	}

	report, err := a.AuditDir(ctx, *in, cfg.Dataset.Extensions)
	if report != nil && report.Checked > 0 {
		fmt.Print(report.String())
	}
	if err != nil {
		log.Fatal(err)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "", "JSON configuration file")
	model := fs.String("model", "model", "model directory")
	addr := fs.String("addr", ":8080", "listen address")
	data := fs.String("data", "", "dataset directory for labelled uploads, empty disables uploads")
	topk := fs.Int("topk", 4, "number of predictions returned by default")
	fs.Parse(args)

	cfg := loadConfig(*cfgPath)
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Serve.Addr = *addr
		case "topk":
			cfg.Serve.TopK = *topk
		}
	})

	s, err := serve.Open(serve.Config{
		ModelDir:    *model,
		DataDir:     *data,
		TopK:        cfg.Serve.TopK,
		MaxUploadMB: cfg.Serve.MaxUploadMB,
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := s.Run(cfg.Serve.Addr); err != nil {
		log.Fatal(err)
	}
}

// loadConfig returns the defaults, or the validated contents of path.
func loadConfig(path string) *config.Config {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	return cfg
}

// newPipeline maps the file configuration onto a pipeline.
func newPipeline(cfg *config.Config) *dermclass.Pipeline {
	p := dermclass.New()
	p.InputSize = cfg.Dataset.InputSize
	p.ValRatio = cfg.Dataset.ValRatio
	p.Seed = cfg.Dataset.Seed
	p.Extensions = cfg.Dataset.Extensions
	p.Workers = cfg.Train.Workers
	if cfg.Dataset.FocusCrop {
		p.Cropper = preprocess.New()
	}
	p.Augment = augment.Config{
		RotationRange:    cfg.Augment.RotationRange,
		WidthShiftRange:  cfg.Augment.WidthShiftRange,
		HeightShiftRange: cfg.Augment.HeightShiftRange,
		ShearRange:       cfg.Augment.ShearRange,
		ZoomRange:        cfg.Augment.ZoomRange,
		HorizontalFlip:   cfg.Augment.HorizontalFlip,
		FillMode:         cfg.Augment.FillMode,
	}
	p.Train = training.FineTuneConfig{
		HeadEpochs:        cfg.Train.HeadEpochs,
		FineTuneEpochs:    cfg.Train.FineTuneEpochs,
		HeadLR:            float32(cfg.Train.HeadLR),
		FineTuneLR:        float32(cfg.Train.FineTuneLR),
		Momentum:          float32(cfg.Train.Momentum),
		FineTuneAt:        cfg.Train.FineTuneAt,
		BatchSize:         cfg.Train.BatchSize,
		Seed:              cfg.Dataset.Seed,
		EarlyStopPatience: cfg.Train.EarlyStopPatience,
		ReduceLRPatience:  cfg.Train.ReduceLRPatience,
		ReduceLRFactor:    float32(cfg.Train.ReduceLRFactor),
		MinLR:             float32(cfg.Train.MinLR),
	}
	return p
}

// newVisionClient builds the backend client for the audit.
func newVisionClient(backend, url string) client.VisionClient {
	switch backend {
	case "ollama":
		if url == "" {
			url = "http://localhost:11434"
		}
		c, err := ollama.NewClient(url)
		if err != nil {
			log.Fatalf("Failed to create Ollama client: %v", err)
		}
		return c
	case "llamacpp":
		if url == "" {
			url = "http://localhost:8080"
		}
		c, err := llamacpp.NewClient(url)
		if err != nil {
			log.Fatalf("Failed to create llama.cpp client: %v", err)
		}
		return c
	default:
		log.Fatalf("Unknown backend: %s (use 'ollama' or 'llamacpp')", backend)
		return nil
	}
}
