package main

import (
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gops/agent"
	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/wirechat/wirechatd/config"
	"github.com/wirechat/wirechatd/wirekit"
)

var (
	version = "0.3.0-dev"
	logger  *logrus.Entry
)

func main() {
	flagConfig := pflag.String("conf", "", "config file")
	flagBind := pflag.String("bind", "", "address to bind to (overrides config)")
	flagDebug := pflag.Bool("debug", false, "enable debug logging")
	flagVersion := pflag.Bool("version", false, "show version")
	pflag.Parse()

	rootLogger := logrus.New()
	rootLogger.SetFormatter(&prefixed.TextFormatter{
		PrefixPadding: 12,
		FullTimestamp: true,
	})
	logger = rootLogger.WithFields(logrus.Fields{"prefix": "main"})

	if *flagVersion {
		logger.Printf("version: %s", version)
		return
	}

	var v *viper.Viper
	if *flagConfig != "" {
		var err error
		v, err = config.LoadConfig(*flagConfig)
		if err != nil {
			logger.Fatalf("%s", err)
		}
	} else {
		v = config.NewViper()
	}
	if *flagBind != "" {
		v.Set("bind", *flagBind)
	}
	if *flagDebug {
		v.Set("debug", true)
	}

	cfg, err := config.Decode(v)
	if err != nil {
		logger.Fatalf("%s", err)
	}

	if cfg.Debug {
		logger.Info("enabling debug")
		rootLogger.SetLevel(logrus.DebugLevel)
	}
	if cfg.Trace {
		logger.Info("enabling trace")
		rootLogger.SetLevel(logrus.TraceLevel)
	}
	wirekit.SetLogger(rootLogger.WithFields(logrus.Fields{"prefix": "wirekit"}))

	if cfg.Gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			logger.Errorf("failed to start gops agent: %s", err)
		} else {
			defer agent.Close()
		}
	}

	store, err := wirekit.OpenMessageStore(cfg.Database)
	if err != nil {
		logger.Fatalf("failed to open message store %s: %s", cfg.Database, err)
	}
	defer store.Close()

	srv := wirekit.ServerConfig{
		Name:         "wirechatd",
		DefaultRoom:  cfg.DefaultRoom,
		SingleRoom:   cfg.SingleRoom,
		HistoryLimit: cfg.HistoryLimit,
		Store:        store,
	}.Server()

	events := make(chan wirekit.Event, 100)
	srv.Subscribe(events)
	go func() {
		for evt := range events {
			logger.Debugf("event: %s", evt)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/ws", wirekit.NewWSHandler(srv, nil))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		logger.Infof("wirechatd %s listening on %s", version, cfg.Bind)
		if err := http.ListenAndServe(cfg.Bind, mux); err != nil {
			logger.Fatalf("listen on %s failed: %s", cfg.Bind, err)
		}
	}()

	if cfg.BindTLS != "" {
		kpr, err := NewKeypairReloader(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			logger.Fatalf("failed to load TLS keypair: %s", err)
		}
		web := &http.Server{
			Addr:      cfg.BindTLS,
			Handler:   mux,
			TLSConfig: &tls.Config{GetCertificate: kpr.GetCertificateFunc()},
		}
		go func() {
			logger.Infof("wirechatd %s listening on %s (tls)", version, cfg.BindTLS)
			if err := web.ListenAndServeTLS("", ""); err != nil {
				logger.Fatalf("listen on %s failed: %s", cfg.BindTLS, err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	srv.Close()
}
