// Istari is an inference gateway that fronts multiple LLM providers behind
// one OpenAI-compatible API, routing each request to the cheapest healthy
// upstream and falling back along the candidate chain on failure.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/istari-ai/istari/internal/secret"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/istari.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("istari", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		// Missing key material is an operator mistake, not a crash; the
		// distinct exit code lets process supervisors tell them apart.
		if errors.Is(err, secret.ErrMissing) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
