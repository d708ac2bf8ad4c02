// Package main provides the cellseg CLI.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

const version = "v0.1.0-dev"

func usage() {
	fmt.Println("cellseg - cell segmentation models on Born")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  version    Show version")
	fmt.Println("  summary    Build an FPNet and print its layer shapes")
	fmt.Println("  predict    Run an untrained FPNet on an image and write the class map as PNG")
	fmt.Println("             (weights are randomly initialized, so the map is not a segmentation)")
	fmt.Println("")
	fmt.Println("Run 'cellseg <command> -h' for command flags. Flags default to")
	fmt.Println("CELLSEG_* environment variables, e.g. CELLSEG_BACKBONE.")
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(envString("CELLSEG_LOG_LEVEL", "info")); err == nil {
		log.SetLevel(lvl)
	}
	return log
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}

	log := newLogger()
	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("cellseg %s\n", version)
	case "summary":
		err = runSummary(os.Args[2:], log)
	case "predict":
		err = runPredict(os.Args[2:], log)
	case "help", "-h", "--help":
		usage()
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.WithError(err).Fatal(os.Args[1] + " failed")
	}
}
