package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"dfs"
	"dfs/naming"
	"dfs/storage"
)

// shutdowner is a running server.
type shutdowner interface {
	Shutdown()
}

func start(cfg *dfs.Config, role string, index int) (shutdowner, error) {
	switch role {
	case "naming":
		return naming.NewAndServe(cfg.Naming), nil
	case "storage":
		if index < 0 || index >= len(cfg.Storage) {
			return nil, fmt.Errorf("storage index %d out of range, config has %d storage servers", index, len(cfg.Storage))
		}
		return storage.NewAndServe(cfg.Storage[index], nil)
	}
	return nil, fmt.Errorf("unknown role %q", role)
}

func main() {
	conf := flag.String("conf", "", "path to configuration file (.yaml or .json)")
	role := flag.String("role", "", "naming/storage")
	index := flag.Int("index", 0, "which storage entry of the config to run")
	flag.Parse()

	if *conf == "" || (*role != "naming" && *role != "storage") {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg, err := dfs.LoadConfig(*conf)
	if err != nil {
		log.Fatalln("cannot read config file:", err)
	}
	if err := dfs.SetLogLevel(cfg.Naming.LogLevel); err != nil {
		log.Warnf("Ignoring log level: %v", err)
	}

	s, err := start(cfg, *role, *index)
	if err != nil {
		log.Fatalln("cannot start server:", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	s.Shutdown()
}
