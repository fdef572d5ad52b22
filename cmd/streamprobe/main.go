// Command streamprobe loads an adaptive stream headlessly and reports
// on it: the engine runs against a simulated media element while HTTP
// endpoints expose a JSON status snapshot, a health check, and
// Prometheus metrics. It exits when the content ends, the load fails,
// or a shutdown signal arrives.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	rxplayer "github.com/lfaureyt/rx-player"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// 1. Environment configuration, optionally from a .env file
	_ = godotenv.Load()

	manifestURL := os.Getenv("MANIFEST_URL")
	transport := getEnv("TRANSPORT", "dash")
	listenAddr := getEnv("LISTEN_ADDR", ":8080")
	logLevel := getEnv("LOG_LEVEL", "info")
	lowLatency := getEnvBool("LOW_LATENCY", false)

	log := rxplayer.NewLogger(logLevel)
	if manifestURL == "" {
		log.Errorf("MANIFEST_URL is required")
		os.Exit(1)
	}

	// 2. Build the player
	met := rxplayer.NewMetrics()
	opts := []rxplayer.Option{
		rxplayer.WithLogger(log),
		rxplayer.WithMetrics(met),
	}
	switch transport {
	case "dash":
		opts = append(opts, rxplayer.WithTransport(rxplayer.TransportDASH))
	case "smooth":
		opts = append(opts, rxplayer.WithTransport(rxplayer.TransportSmooth))
	default:
		log.Errorf("Unknown TRANSPORT %q (want dash or smooth)", transport)
		os.Exit(1)
	}
	if lowLatency {
		opts = append(opts, rxplayer.WithLowLatency())
	}
	if v := os.Getenv("START_AT"); v != "" {
		startAt, err := strconv.ParseFloat(v, 64)
		if err != nil {
			log.Errorf("Invalid START_AT %q: %v", v, err)
			os.Exit(1)
		}
		opts = append(opts, rxplayer.WithStartAt(startAt))
	}

	p, err := rxplayer.New(manifestURL, opts...)
	if err != nil {
		log.Errorf("Failed to build the player: %v", err)
		os.Exit(1)
	}
	log.Infof("Probing %s (%s), load %s", manifestURL, transport, p.ID())

	// 3. Run the load and narrate its events
	loadDone := make(chan struct{})
	var loadErr error
	go func() {
		loadErr = p.Run(context.Background())
		close(loadDone)
	}()
	go narrate(p, log)

	// 4. Diagnostic endpoints
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(p.Status()); err != nil {
			log.Warnf("Status encode failed: %v", err)
		}
	})
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() { refreshGauges(p, met) }).ServeHTTP(w, req)
	})

	server := &http.Server{Addr: listenAddr, Handler: r}
	go func() {
		log.Infof("Serving diagnostics on %s", listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Could not listen on %s: %v", listenAddr, err)
			os.Exit(1)
		}
	}()

	// 5. Wait for the load to end or a shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		log.Infof("Received %s, shutting down", sig)
		p.Stop()
		<-loadDone
	case <-loadDone:
		if loadErr != nil {
			log.Errorf("Load failed: %v", loadErr)
			exitCode = 1
		} else {
			log.Infof("Content ended")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("Server shutdown failed: %v", err)
		exitCode = 1
	}
	os.Exit(exitCode)
}

// narrate logs the engine's notifications and starts the element clock
// once there is enough to play.
func narrate(p *rxplayer.Player, log rxplayer.Logger) {
	for ev := range p.Events() {
		switch ev.Kind {
		case rxplayer.EventLoaded:
			log.Infof("Loaded, starting playback clock")
			p.Play()
		case rxplayer.EventStalled:
			if ev.Rebuffering != nil {
				log.Warnf("Rebuffering at %.2fs", ev.Rebuffering.Position)
			} else {
				log.Infof("Rebuffering ended")
			}
		case rxplayer.EventWarning:
			log.Warnf("Warning: %v", ev.Err)
		case rxplayer.EventRepresentationChanged:
			if ev.Representation != nil {
				log.Infof("Now playing %s %s at %d bps",
					ev.MediaType, ev.Representation.ID, ev.Representation.Bitrate)
			}
		case rxplayer.EventPeriodChanged:
			log.Infof("Entered period %s", ev.PeriodID)
		case rxplayer.EventManifestRefreshed:
			log.Debugf("Manifest refreshed")
		case rxplayer.EventEndOfStream:
			log.Infof("End of stream reached")
		case rxplayer.EventReload:
			log.Infof("Streams reloading in period %s at %.2fs", ev.PeriodID, ev.Position)
		}
	}
}

// refreshGauges pulls a status snapshot into the scrape-time gauges.
func refreshGauges(p *rxplayer.Player, met *rxplayer.Metrics) {
	st := p.Status()
	met.SetBufferGap(st.BufferGap)
	met.SetBandwidthEstimate(st.BandwidthEstimate)
	if sel, ok := st.Selected[rxplayer.MediaTypeVideo]; ok {
		met.SetCurrentBitrate(float64(sel.Bitrate))
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
