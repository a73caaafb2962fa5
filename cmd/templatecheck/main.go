// Command templatecheck validates a template directory: it lists every
// resolvable label and reports the feature yield of each reference
// image, which is the first thing to check when a document type keeps
// falling back to the original capture.
//
// Usage: templatecheck -templates <dir> [-config <file>]
package main

import (
	"flag"
	"fmt"
	"os"

	"cardalign/internal/config"
	"cardalign/internal/template"
)

var (
	flagTemplates = flag.String("templates", "", "Template directory")
	flagConfig    = flag.String("config", "", "Config file (JSON)")
	flagMin       = flag.Int("min", 500, "Warn when a template yields fewer features than this")
)

func main() {
	flag.Parse()

	if *flagTemplates == "" {
		fmt.Println("Usage: templatecheck -templates <dir> [-config <file>] [-min <n>]")
		os.Exit(1)
	}

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	store := template.NewStore(*flagTemplates, cfg.Detector, cfg.Pipeline.TargetDimension)
	defer store.Close()

	labels, err := store.Labels()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list templates: %v\n", err)
		os.Exit(1)
	}
	if len(labels) == 0 {
		fmt.Fprintf(os.Stderr, "No templates found in %s\n", *flagTemplates)
		os.Exit(1)
	}

	failed := 0
	for _, label := range labels {
		tpl, err := store.Get(label)
		if err != nil {
			fmt.Printf("%-30s ERROR: %v\n", label, err)
			failed++
			continue
		}
		n := tpl.Features.Len()
		status := "ok"
		if n < *flagMin {
			status = fmt.Sprintf("LOW (min %d)", *flagMin)
			failed++
		}
		fmt.Printf("%-30s %5dx%-5d features=%-5d %s\n",
			label, tpl.Image.Cols(), tpl.Image.Rows(), n, status)
	}

	if failed > 0 {
		os.Exit(1)
	}
}
