// Command alignrun runs the alignment pipeline on one card photo and
// prints the decision and diagnostics.
//
// Usage: alignrun -templates <dir> -label <type> -in <image> [options]
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"

	"cardalign/internal/alignment"
	"cardalign/internal/config"
	"cardalign/internal/imgproc"
	"cardalign/internal/ocr"
	"cardalign/internal/template"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"gocv.io/x/gocv"
)

var (
	flagTemplates = flag.String("templates", "", "Template directory (one reference image per label)")
	flagLabel     = flag.String("label", "", "Document type label")
	flagInput     = flag.String("in", "", "Input image path")
	flagOutput    = flag.String("out", "", "Write chosen image (aligned or original) here")
	flagDiag      = flag.String("diag", "", "Write diagnostics JSON here")
	flagConfig    = flag.String("config", "", "Config file (JSON); missing fields use defaults")
	flagOCR       = flag.Bool("ocr", false, "Preview downstream OCR text on the chosen image")
	flagVerbose   = flag.Bool("v", false, "Verbose logging")
)

func main() {
	flag.Parse()

	if *flagTemplates == "" || *flagLabel == "" || *flagInput == "" {
		fmt.Println("Usage: alignrun -templates <dir> -label <type> -in <image> [-out <image>] [-diag <json>] [-config <file>] [-ocr]")
		os.Exit(1)
	}

	level := slog.LevelWarn
	if *flagVerbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	input, err := loadImage(*flagInput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read input: %v\n", err)
		os.Exit(1)
	}
	defer input.Close()

	store := template.NewStore(*flagTemplates, cfg.Detector, cfg.Pipeline.TargetDimension)
	defer store.Close()

	pipeline := alignment.New(store, cfg, log)

	result, err := pipeline.Align(input, *flagLabel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Alignment failed: %v\n", err)
		os.Exit(1)
	}
	defer result.Image.Close()

	d := result.Diagnostics
	fmt.Printf("=== Alignment: %s ===\n", *flagInput)
	fmt.Printf("Features: base=%d target=%d\n", d.FeaturesBase, d.FeaturesTarget)
	fmt.Printf("Good matches: %d, inliers: %d\n", d.GoodMatches, d.Inliers)
	for _, a := range d.Attempts {
		fmt.Printf("  threshold %.1f: %d inliers\n", a.Threshold, a.Inliers)
	}
	fmt.Printf("Blur: %.2f, brightness: %.1f, contrast: %.1f\n", d.BlurScore, d.Brightness, d.Contrast)
	fmt.Printf("Quality score: %d/100\n", d.QualityScore)
	fmt.Printf("Decision: %s\n", d.Decision)
	if d.Reason != "" {
		fmt.Printf("Reason: %s\n", d.Reason)
	}

	if *flagOutput != "" {
		if ok := gocv.IMWrite(*flagOutput, result.Image); !ok {
			fmt.Fprintf(os.Stderr, "Failed to write %s\n", *flagOutput)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", *flagOutput)
	}

	if *flagDiag != "" {
		data, err := json.MarshalIndent(d, "", "  ")
		if err == nil {
			err = os.WriteFile(*flagDiag, data, 0o644)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write diagnostics: %v\n", err)
			os.Exit(1)
		}
	}

	if *flagOCR {
		runOCR(result.Image)
	}
}

// loadImage decodes through the Go imaging stack (side-effect imports
// above cover the formats the scanners produce) and converts to a Mat.
func loadImage(path string) (gocv.Mat, error) {
	f, err := os.Open(path)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return imgproc.FromImage(img)
}

func runOCR(img gocv.Mat) {
	engine, err := ocr.NewEngine("eng", "vie")
	if err != nil {
		fmt.Fprintf(os.Stderr, "OCR engine unavailable: %v\n", err)
		return
	}
	defer engine.Close()

	text, err := engine.Recognize(img)
	if err != nil {
		fmt.Fprintf(os.Stderr, "OCR failed: %v\n", err)
		return
	}
	fmt.Printf("\n=== Downstream OCR preview ===\n%s\n", text)
}
