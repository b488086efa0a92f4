// Prism is a local reverse proxy that lets AI coding tools speak any of the
// three major chat-completion APIs to any configured provider, with model
// aliasing, cross-format translation, and OAuth credential reuse.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("prism", version)
		os.Exit(0)
	}

	// `prism auth <provider>` imports credentials from the provider's CLI
	// tool and exits.
	if args := flag.Args(); len(args) > 0 && args[0] == "auth" {
		if err := runAuth(args[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/prism/config.yaml"
	}
	return "prism.yaml"
}
