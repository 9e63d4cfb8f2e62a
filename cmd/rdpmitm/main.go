// Command rdpmitm runs the RDP interception engine: a TCP listener
// that, for each accepted client, opens a parallel connection to the
// real server and relays the session while recording credentials and
// slow-path input events; display traffic is relayed but not recorded.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/kdsmith18542/rdpmitm/clienthalf"
	"github.com/kdsmith18542/rdpmitm/config"
	"github.com/kdsmith18542/rdpmitm/glog"
	"github.com/kdsmith18542/rdpmitm/session"
	"github.com/mitchellh/mapstructure"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "rdpmitm:", err)
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", "", "JSON or YAML config file")
	listenAddr := flag.String("listen", "", "address to accept RDP clients on")
	listenPort := flag.Int("port", 0, "port to accept RDP clients on")
	targetHost := flag.String("target-host", "", "real RDP server host")
	targetPort := flag.Int("target-port", 0, "real RDP server port")
	certFile := flag.String("cert", "", "TLS certificate presented to clients")
	keyFile := flag.String("key", "", "TLS private key matching -cert")
	recordHost := flag.String("record-host", "", "optional live recording sink host")
	recordPort := flag.Int("record-port", 0, "optional live recording sink port")
	outputDir := flag.String("out", "", "recording output directory")
	logLevel := flag.String("log-level", "", "debug, info, warn or error")
	flag.Parse()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return err
	}

	// Flags the operator actually set override whatever the file or
	// environment provided; they are collected into the same nested
	// shape as the config file and decoded over it in one pass.
	overrides := map[string]interface{}{}
	section := func(name string) map[string]interface{} {
		m, ok := overrides[name].(map[string]interface{})
		if !ok {
			m = map[string]interface{}{}
			overrides[name] = m
		}
		return m
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			section("Listen")["Address"] = *listenAddr
		case "port":
			section("Listen")["Port"] = *listenPort
		case "target-host":
			section("Target")["Host"] = *targetHost
		case "target-port":
			section("Target")["Port"] = *targetPort
		case "cert":
			section("TLS")["CertificateFileName"] = *certFile
		case "key":
			section("TLS")["PrivateKeyFileName"] = *keyFile
		case "record-host":
			section("Recorder")["RecordHost"] = *recordHost
		case "record-port":
			section("Recorder")["RecordPort"] = *recordPort
		case "out":
			section("Recorder")["OutputDir"] = *outputDir
		case "log-level":
			section("Logging")["Level"] = *logLevel
		}
	})
	if err := mapstructure.Decode(overrides, cfg); err != nil {
		return fmt.Errorf("apply flag overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	glog.SetLevel(glog.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		glog.SetOutput(f)
	}

	return serve(cfg)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.LoadFromEnvironment(), nil
}

func serve(cfg *config.Config) error {
	registry := session.NewRegistry(cfg, func() session.ClientHalf {
		return clienthalf.New()
	}, time.Now().UnixNano())

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	glog.Infof("accepting RDP clients on %s, relaying to %s", cfg.ListenAddr(), cfg.TargetAddr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}

		start := time.Now()
		sess, err := registry.NewSession(conn)
		glog.GetStructuredLogger().LogConnection(conn.RemoteAddr().String(), err == nil, time.Since(start), err)
		if err != nil {
			conn.Close()
			continue
		}
		glog.Infof("session %s: client %s connected", sess.ID, conn.RemoteAddr())
		go sess.Run()
	}
}
