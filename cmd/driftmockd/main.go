package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/driftmock/driftmock/internal/api"
	"github.com/driftmock/driftmock/internal/config"
	"github.com/driftmock/driftmock/internal/logging"
)

const version = "0.1.0"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "save":
			runSave()
			return
		case "replay":
			runReplay()
			return
		case "stop":
			runStop()
			return
		}
	}
	runStart()
}

func runStart() {
	port := flag.Int("port", 2525, "the port to run the admin API on")
	host := flag.String("host", "", "the hostname to bind the admin API to")
	allowInjection := flag.Bool("allowInjection", false, "set to allow JavaScript injection in predicates and responses")
	localOnly := flag.Bool("localOnly", false, "only accept admin API requests from localhost")
	showVersion := flag.Bool("version", false, "show version information")

	configFile := flag.String("configfile", "", "file to load imposters from at startup, can use include()")
	noParse := flag.Bool("noParse", false, "prevent include() rendering, treat config as raw JSON")

	logLevel := flag.String("loglevel", "info", "level for logging (debug, info, warn, error)")
	logFile := flag.String("logfile", "driftmock.log", "path to use for logging")
	noLogFile := flag.Bool("nologfile", false, "prevent logging to the filesystem")

	pidFile := flag.String("pidfile", "driftmock.pid", "where the pid is stored for the stop command")
	origin := flag.String("origin", "", "safe origin for CORS requests")
	apiKey := flag.String("apikey", "", "API key required on admin requests")

	dataDir := flag.String("datadir", "", "directory to persist imposters to; empty disables persistence across restarts")
	protoDir := flag.String("protodir", "", "base directory gRPC imposters' relative protoFiles resolve against")

	flag.Parse()

	if *showVersion {
		fmt.Printf("driftmock version %s\n", version)
		os.Exit(0)
	}

	logger, err := logging.New(*logLevel, *logFile, *noLogFile)
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	defer logger.Close()
	logger.SetAsDefault()

	if *pidFile != "" {
		if err := os.WriteFile(*pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			logger.Warnf("failed to write pid file: %v", err)
		}
	}

	if *dataDir == "" {
		dir, err := os.MkdirTemp("", "driftmock-")
		if err != nil {
			log.Fatalf("failed to create a temporary data directory: %v", err)
		}
		*dataDir = dir
		logger.Infof("no -datadir given, using ephemeral directory %s", dir)
	}

	srv, err := api.NewServer(api.Options{
		Port:           *port,
		Host:           *host,
		Datadir:        *dataDir,
		AllowInjection: *allowInjection,
		LocalOnly:      *localOnly,
		APIKey:         *apiKey,
		Origin:         *origin,
		ProtoBaseDir:   *protoDir,
	}, version)
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	time.Sleep(100 * time.Millisecond)

	if err := srv.LoadImposters(); err != nil {
		logger.Warnf("failed to load persisted imposters: %v", err)
	}

	if *configFile != "" {
		logger.Infof("loading config from %s", *configFile)
		doc, err := config.Load(*configFile, config.Options{NoParse: *noParse})
		if err != nil {
			log.Fatalf("failed to load config file: %v", err)
		}
		if err := srv.LoadConfig(doc.Imposters); err != nil {
			log.Fatalf("failed to load imposters from config file: %v", err)
		}
		logger.Infof("loaded %d imposters from config file", len(doc.Imposters))
	}

	<-done
	logger.Infof("shutting down...")

	if *pidFile != "" {
		os.Remove(*pidFile)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}
	logger.Infof("server stopped")
}

func runSave() {
	saveFlags := flag.NewFlagSet("save", flag.ExitOnError)
	port := saveFlags.Int("port", 2525, "the port driftmock's admin API is running on")
	host := saveFlags.String("host", "localhost", "the hostname driftmock's admin API is running on")
	saveFile := saveFlags.String("savefile", "driftmock.json", "file to save imposters to")
	apiKey := saveFlags.String("apikey", "", "API key for authentication")
	saveFlags.Parse(os.Args[2:])

	url := fmt.Sprintf("http://%s:%d/imposters", *host, *port)
	body := doGet(url, *apiKey)

	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		log.Fatalf("failed to parse response: %v", err)
	}
	prettyJSON, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		log.Fatalf("failed to format JSON: %v", err)
	}
	if err := os.WriteFile(*saveFile, prettyJSON, 0o644); err != nil {
		log.Fatalf("failed to write save file: %v", err)
	}
	fmt.Printf("saved imposters to %s\n", *saveFile)
}

func runReplay() {
	replayFlags := flag.NewFlagSet("replay", flag.ExitOnError)
	port := replayFlags.Int("port", 2525, "the port driftmock's admin API is running on")
	host := replayFlags.String("host", "localhost", "the hostname driftmock's admin API is running on")
	apiKey := replayFlags.String("apikey", "", "API key for authentication")
	replayFlags.Parse(os.Args[2:])

	getURL := fmt.Sprintf("http://%s:%d/imposters", *host, *port)
	body := doGet(getURL, *apiKey)

	putURL := fmt.Sprintf("http://%s:%d/imposters", *host, *port)
	client := &http.Client{}
	putReq, err := http.NewRequest(http.MethodPut, putURL, bytes.NewReader(body))
	if err != nil {
		log.Fatalf("failed to create request: %v", err)
	}
	putReq.Header.Set("Content-Type", "application/json")
	if *apiKey != "" {
		putReq.Header.Set("X-Api-Key", *apiKey)
	}
	resp, err := client.Do(putReq)
	if err != nil {
		log.Fatalf("failed to replay imposters: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		log.Fatalf("failed to replay imposters: %s", string(respBody))
	}
	fmt.Println("replayed saved imposters")
}

func runStop() {
	stopFlags := flag.NewFlagSet("stop", flag.ExitOnError)
	pidFile := stopFlags.String("pidfile", "driftmock.pid", "where the pid is stored")
	stopFlags.Parse(os.Args[2:])

	data, err := os.ReadFile(*pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no pidfile found, nothing to stop")
			os.Exit(0)
		}
		log.Fatalf("failed to read pid file: %v", err)
	}

	pid, err := strconv.Atoi(string(data))
	if err != nil {
		log.Fatalf("invalid pid in file: %v", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		log.Fatalf("failed to find process: %v", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		if err == os.ErrProcessDone {
			fmt.Printf("process %d already stopped\n", pid)
			os.Remove(*pidFile)
			os.Exit(0)
		}
		log.Fatalf("failed to stop process: %v", err)
	}

	os.Remove(*pidFile)
	fmt.Printf("stopped driftmock process %d\n", pid)
}

func doGet(url, apiKey string) []byte {
	client := &http.Client{}
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		log.Fatalf("failed to create request: %v", err)
	}
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("failed to connect to driftmock: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("failed to read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("request failed: %s", string(body))
	}
	return body
}
