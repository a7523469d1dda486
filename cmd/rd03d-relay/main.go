// Command rd03d-relay reads an RD-03D radar over serial and relays the
// closest detection to a subscriber over Bluetooth LE or WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/rd03d.relay/internal/capture"
	"github.com/banshee-data/rd03d.relay/internal/classify"
	"github.com/banshee-data/rd03d.relay/internal/config"
	"github.com/banshee-data/rd03d.relay/internal/db"
	"github.com/banshee-data/rd03d.relay/internal/monitoring"
	"github.com/banshee-data/rd03d.relay/internal/relay"
	"github.com/banshee-data/rd03d.relay/internal/serialport"
	"github.com/banshee-data/rd03d.relay/internal/transport/ble"
	"github.com/banshee-data/rd03d.relay/internal/transport/wsbridge"
	"github.com/banshee-data/rd03d.relay/internal/version"
)

const (
	transportBLE       = "ble"
	transportWebSocket = "websocket"
	transportNone      = "none"
)

var (
	portPath    = flag.String("port", "/dev/ttyAMA0", "Serial port the radar is attached to")
	baud        = flag.Int("baud", serialport.DefaultBaudRate, "Serial baud rate")
	adapterID   = flag.String("adapter", "hci0", "Bluetooth adapter for the ble transport")
	configPath  = flag.String("config", "", "Relay tuning JSON file (built-in defaults when empty)")
	transport   = flag.String("transport", transportBLE, "Subscriber transport: ble, websocket or none")
	listen      = flag.String("listen", "localhost:8080", "HTTP listen address for the websocket bridge and /debug/ routes (empty disables)")
	dbPath      = flag.String("db", "", "SQLite detection log (disabled when empty)")
	captureDir  = flag.String("capture", "", "Directory to record raw serial captures into (disabled when empty)")
	replayPath  = flag.String("replay", "", "Replay a capture file instead of opening the serial port")
	replayFast  = flag.Bool("replay-fast", false, "Replay captures as fast as possible instead of at recorded pace")
	logFile     = flag.String("log-file", "", "Also write logs to this size-rotated file")
	debugLog    = flag.Bool("debug", false, "Log every published detection")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

var errUnknownTransport = errors.New("unknown transport")

func validateTransport(name string) error {
	switch name {
	case transportBLE, transportWebSocket, transportNone:
		return nil
	}
	return fmt.Errorf("%w %q: expected ble, websocket or none", errUnknownTransport, name)
}

func loadConfig(path string) (*config.RelayConfig, error) {
	if path == "" {
		return config.DefaultRelayConfig(), nil
	}
	return config.LoadRelayConfig(path)
}

func relayOptions(cfg *config.RelayConfig) relay.Options {
	return relay.Options{
		QueueCapacity:   cfg.GetQueueCapacity(),
		PublishInterval: cfg.GetPublishInterval(),
		RetryBackoff:    cfg.GetRetryBackoff(),
		ReadChunk:       cfg.GetReadChunk(),
		Encoder: classify.Encoder{
			PositionScale: cfg.GetPositionScale(),
			MaxPositionM:  cfg.GetMaxPositionM(),
		},
	}
}

// sourceOptions selects where radar bytes come from.
type sourceOptions struct {
	Port       string
	Serial     serialport.PortOptions
	Replay     string
	ReplayFast bool
	CaptureDir string
}

// openSource opens the radar byte stream and returns it with a description
// for logs and session records.
func openSource(o sourceOptions, open serialport.SerialPortOpener) (serialport.SerialPorter, string, error) {
	var (
		port serialport.SerialPorter
		desc string
	)
	if o.Replay != "" {
		rp, err := capture.OpenReplay(o.Replay, !o.ReplayFast)
		if err != nil {
			return nil, "", fmt.Errorf("open replay %s: %w", o.Replay, err)
		}
		port, desc = rp, "replay:"+o.Replay
	} else {
		opts, err := o.Serial.Normalise()
		if err != nil {
			return nil, "", err
		}
		p, err := open(o.Port, opts)
		if err != nil {
			return nil, "", err
		}
		port, desc = p, fmt.Sprintf("%s (%s)", o.Port, opts)
	}

	if o.CaptureDir != "" {
		w, name, err := capture.Create(o.CaptureDir, "rd03d")
		if err != nil {
			port.Close()
			return nil, "", fmt.Errorf("create capture: %w", err)
		}
		monitoring.Logf("capturing raw serial data to %s", name)
		port = capture.Tee(port, w)
	}
	return port, desc, nil
}

// startPeripheral starts the BLE peripheral; failure is fatal at startup.
func startPeripheral(p interface{ Start() error }, adapter string) error {
	if err := p.Start(); err != nil {
		return fmt.Errorf("bluetooth adapter %q unavailable: %w", adapter, err)
	}
	return nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if err := validateTransport(*transport); err != nil {
		log.Fatal(err)
	}
	if *transport == transportWebSocket && *listen == "" {
		log.Fatal("Listen address is required for the websocket transport")
	}

	if *logFile != "" {
		defer monitoring.LogToFile(*logFile, 10, 5).Close()
	}
	monitoring.SetDebug(*debugLog)
	log.Printf("starting %s", version.String())

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	port, source, err := openSource(sourceOptions{
		Port:       *portPath,
		Serial:     serialport.PortOptions{BaudRate: *baud},
		Replay:     *replayPath,
		ReplayFast: *replayFast,
		CaptureDir: *captureDir,
	}, serialport.Opener(cfg.GetReadTimeout()))
	if err != nil {
		log.Fatalf("failed to open radar source: %v", err)
	}
	log.Printf("reading radar from %s", source)

	r := relay.New(port, nil, relayOptions(cfg))
	log.Printf("initialised %s", r)

	tap := relay.NewTap()
	defer tap.Close()
	r.AddObserver(tap)

	var (
		bridge   *wsbridge.Bridge
		database *db.DB
		recorder *db.Recorder
	)
	switch *transport {
	case transportBLE:
		p := ble.New(*adapterID, r)
		if err := startPeripheral(p, *adapterID); err != nil {
			log.Fatal(err)
		}
		defer p.Close()
		r.SetPublisher(p)
	case transportWebSocket:
		bridge = wsbridge.New(r)
		r.SetPublisher(bridge)
	case transportNone:
		// no subscriber will ever attach; publish to observers only
		r.SetActive(true)
	}

	if *dbPath != "" {
		database, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()
		session, err := database.StartSession(source, version.Version, time.Now())
		if err != nil {
			log.Fatalf("failed to start session: %v", err)
		}
		log.Printf("recording detections to %s, session %s", *dbPath, session.ID)
		recorder = db.NewRecorder(database, session.ID, 256)
		r.AddObserver(recorder)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// the port is closed only after the reader has returned
	readerDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(readerDone)
		if err := r.ReadLoop(ctx); err != nil {
			log.Printf("reader stopped: %v", err)
		}
		if ctx.Err() == nil {
			log.Printf("radar source exhausted; shutting down")
			stop()
		}
		log.Print("reader routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.PublishLoop(ctx); err != nil {
			log.Printf("publisher stopped: %v", err)
		}
		log.Print("publisher routine terminated")
	}()

	if recorder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recorder.Run(ctx)
			log.Print("recorder routine terminated")
		}()
	}

	if *listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()

			mux := http.NewServeMux()
			r.AttachAdminRoutes(mux, tap)
			if database != nil {
				database.AttachAdminRoutes(mux, recorder)
			}
			if bridge != nil {
				mux.Handle("/radar", bridge)
			}

			server := &http.Server{
				Addr:              *listen,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("failed to start server: %v", err)
				}
			}()
			log.Printf("serving on %s", *listen)

			<-ctx.Done()
			log.Println("shutting down HTTP server...")
			if bridge != nil {
				bridge.Close()
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
				if err := server.Close(); err != nil {
					log.Printf("HTTP server force close error: %v", err)
				}
			}
			log.Printf("HTTP server routine stopped")
		}()
	}

	<-readerDone
	if err := port.Close(); err != nil {
		log.Printf("failed to close radar source: %v", err)
	}

	wg.Wait()
	st := r.Stats()
	log.Printf("published %d packets from %d frames (%d corrupt)", st.Published, st.Sync.Frames, st.Sync.CorruptFrames)
	log.Printf("Graceful shutdown complete")
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
}
