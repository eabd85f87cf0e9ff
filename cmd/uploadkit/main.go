// Command uploadkit wires a Kernel to an on-disk watch acquirer, an HTTP
// direct uploader, a connectivity monitor, an optional companion-delegated
// remote uploader, and (optionally, when a broker is configured) an
// MQTT/Ditto control-plane plugin, then runs until interrupted.
//
// Adapted from main.go's flag/config-parse -> construct -> signal-based
// shutdown shape, generalized from one fixed AutoUploadable/FileUpload
// pairing to the kernel's pluggable acquirer/uploader/control-plane
// wiring.
package main

import (
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kanto-io/uploadkit/acquire/watchdir"
	"github.com/kanto-io/uploadkit/companion"
	"github.com/kanto-io/uploadkit/config"
	"github.com/kanto-io/uploadkit/connectivity"
	"github.com/kanto-io/uploadkit/control/mqtt"
	"github.com/kanto-io/uploadkit/kernel"
	"github.com/kanto-io/uploadkit/limiter"
	"github.com/kanto-io/uploadkit/logger"
	"github.com/kanto-io/uploadkit/restriction"
	"github.com/kanto-io/uploadkit/uploaders/httpupload"
	"github.com/kanto-io/uploadkit/uploaders/remote"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-version" {
		fmt.Println(version)
		return
	}

	cfg, warn := config.Load(os.Args[1:])

	log, err := logger.New(cfg.Log, "[uploadkit]")
	if err != nil {
		stdlog.Fatalln("failed to initialize logger:", err)
	}
	defer log.Close()

	if warn != nil {
		log.Warnf("config file not found: %v", warn)
	}
	log.Infof("starting with concurrency=%d watchDir=%q", cfg.Concurrency, cfg.WatchDir)

	k := kernel.New(kernel.Options{
		ID:     "uploadkit",
		Logger: log,
		Restrictions: restriction.Policy{
			MaxFileSize:      cfg.Restriction.MaxFileSize,
			MaxNumberOfFiles: cfg.Restriction.MaxNumberOfFiles,
			MinNumberOfFiles: cfg.Restriction.MinNumberOfFiles,
			AllowedFileTypes: cfg.Restriction.AllowedFileTypes,
		},
	})
	defer k.Close()

	burst := cfg.Concurrency
	if burst <= 0 {
		burst = 1
	}
	uploadLimiter := limiter.New(cfg.Concurrency).WithRate(float64(cfg.StartRatePerSec), burst)
	if _, err := k.Use(httpupload.Constructor, httpupload.Options{Limiter: uploadLimiter}); err != nil {
		log.Errorf("cannot install http uploader: %v", err)
	}

	netMonitor := connectivity.New(k, connectivity.Options{})
	netMonitor.Start()
	defer netMonitor.Stop()

	if cfg.WatchDir != "" {
		watcher, err := watchdir.New(cfg.WatchDir, k, watchdir.Options{Logger: log})
		if err != nil {
			log.Errorf("cannot start directory watch on %q: %v", cfg.WatchDir, err)
		} else if err := watcher.Start(); err != nil {
			log.Errorf("cannot start directory watch on %q: %v", cfg.WatchDir, err)
		} else {
			defer watcher.Stop()
		}
	}

	if cfg.Companion.Endpoint != "" {
		var tokens companion.TokenStore = companion.NewMemoryTokenStore()
		if cfg.Companion.TokenDir != "" {
			fileTokens, err := companion.NewFileTokenStore(cfg.Companion.TokenDir)
			if err != nil {
				log.Errorf("cannot open companion token dir %q, falling back to in-memory tokens: %v", cfg.Companion.TokenDir, err)
			} else {
				tokens = fileTokens
			}
		}

		companionUploader := remote.New(remote.Options{
			Endpoint:        cfg.Companion.Endpoint,
			DefaultProvider: cfg.Companion.PluginID,
			Tokens:          func(string) companion.TokenStore { return tokens },
		})
		k.AddUploader(companionUploader.Stage)
	}

	var controller *mqtt.Controller
	if cfg.Broker.Broker != "" && cfg.DeviceID != "" {
		controller, err = mqtt.New(mqtt.Options{Broker: cfg.Broker, DeviceID: cfg.DeviceID}, k)
		if err != nil {
			log.Errorf("cannot connect control plane: %v", err)
		} else {
			defer controller.Close()
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	fmt.Println("Press Ctrl+C to exit.")
	<-stop
}
