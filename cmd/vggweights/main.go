// Command vggweights converts VGG19 weight files between safetensors and
// GGUF, or writes seeded random weights for smoke runs.
//
//	go run ./cmd/vggweights -in vgg19.safetensors -out vgg19.gguf -f16
//	go run ./cmd/vggweights -random -widths 8,16,32,64,64 -out tiny.safetensors
package main

import (
	"flag"
	"log"

	"github.com/FlavioCFOliveira/GoStyle/internal/features"
	"github.com/FlavioCFOliveira/GoStyle/internal/layer"
	"github.com/FlavioCFOliveira/GoStyle/internal/weights"
)

func main() {
	in := flag.String("in", "", "Input weights (.safetensors or .gguf)")
	out := flag.String("out", "", "Output weights (.safetensors or .gguf)")
	random := flag.Bool("random", false, "Generate He-initialized weights instead of reading -in")
	widths := flag.String("widths", features.ArchVGG19.String(), "Block widths for -random")
	seed := flag.Int64("seed", 1, "Seed for -random")
	f16 := flag.Bool("f16", false, "Store GGUF tensors as F16")

	flag.Parse()

	if *out == "" {
		log.Fatalf("-out is required")
	}

	var store weights.Store
	switch {
	case *random:
		arch, err := features.ParseArch(*widths)
		if err != nil {
			log.Fatalf("%v", err)
		}
		store = features.RandomWeights(arch, *seed)
	case *in != "":
		var err error
		store, err = weights.Load(*in)
		if err != nil {
			log.Fatalf("failed to load weights: %v", err)
		}
	default:
		log.Fatalf("either -in or -random is required")
	}

	arch, err := features.InferArch(store)
	if err != nil {
		log.Fatalf("%v", err)
	}
	// Building the extractor checks that every tensor is present with the right shape.
	if _, err := features.NewVGG19(layer.NewCPUDevice(), arch, store); err != nil {
		log.Fatalf("invalid weights: %v", err)
	}

	format, err := weights.FormatFromPath(*out)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if format == weights.FormatGGUF && *f16 {
		err = store.SaveGGUF(*out, weights.GGMLTypeF16)
	} else {
		err = store.Save(*out)
	}
	if err != nil {
		log.Fatalf("failed to save weights: %v", err)
	}
	log.Printf("weights: arch=%s tensors=%d out=%s", arch, len(store), *out)
}
