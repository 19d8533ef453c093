package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cja-skyfarms/skyfarm-pi/daemon"
)

// set via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/skyfarm-pi.yml", "path to the yaml configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	settings, err := daemon.LoadSettings(*configPath)
	if err != nil {
		log.Fatalln("failed to load settings:", err)
	}

	sky, err := daemon.New(settings)
	if err != nil {
		log.Fatalln("failed to initialize controller:", err)
	}
	if err := sky.Start(); err != nil {
		sky.Stop()
		log.Fatalln("failed to start controller:", err)
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-ch
	log.Println("received", sig, "- shutting down")
	sky.Stop()
}
