package main

import (
	"flag"
	"fmt"
	"os"

	"flowmesh/internal/app"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "Path to configuration file")
	flag.Parse()

	if configFile == "" {
		if envConfigFile := os.Getenv("FLOWMESH_CONFIG_FILE"); envConfigFile != "" {
			configFile = envConfigFile
		} else {
			configFile = "/etc/flowmesh/config.yaml"
		}
	}

	application, err := app.New(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create flowmesh process: %v\n", err)
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "flowmesh exited with error: %v\n", err)
		os.Exit(1)
	}
}
