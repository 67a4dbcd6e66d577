// Command xritrx receives a COMS-1 LRIT/HRIT downlink (as VCDUs from OSP,
// goesrecv, or a capture file), reassembles it through the CCSDS VCDU ->
// M_PDU -> CP_PDU -> TP_File -> S_PDU pipeline, and writes decrypted xRIT
// files to an output directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sam210723/xritrx/internal/ccsds"
	"github.com/sam210723/xritrx/internal/config"
	"github.com/sam210723/xritrx/internal/demux"
	"github.com/sam210723/xritrx/internal/health"
	"github.com/sam210723/xritrx/internal/keystore"
	"github.com/sam210723/xritrx/internal/reader"
	"github.com/sam210723/xritrx/internal/sink"
	"github.com/sam210723/xritrx/internal/spdu"
	"github.com/sam210723/xritrx/internal/stats"
)

func main() {
	configPath := flag.String("config", "xritrx.ini", "Path to xritrx INI configuration file")
	filePath := flag.String("file", "", "Replay VCDUs from a capture file instead of a live source")
	verbose := flag.Bool("v", false, "Verbose per-frame/per-CP_PDU logging")
	dumpPath := flag.String("dump", "", "Capture every non-fill VCDU to a brotli-compressed file")
	keyTablePath := flag.String("keytable", "", "Decrypted DES key table file (output of the key-message tool)")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9091); empty disables")
	queueDepth := flag.Int("queue-depth", 256, "Frame queue capacity")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("xritrx: %v", err)
	}
	cfg.FilePath = *filePath
	cfg.Verbose = *verbose
	cfg.DumpPath = *dumpPath
	if err := cfg.Validate(); err != nil {
		log.Fatalf("xritrx: config: %v", err)
	}

	printBanner(cfg, *keyTablePath, *metricsAddr)

	if err := run(cfg, *keyTablePath, *metricsAddr, *queueDepth); err != nil {
		log.Fatalf("xritrx: %v", err)
	}
}

// version is the build identifier printed in the startup banner, set via
// -ldflags "-X main.version=..." by the release process.
var version = "dev"

func printBanner(cfg *config.Config, keyTablePath, metricsAddr string) {
	log.Printf("xritrx: version=%s spacecraft=COMS-1 (scid %d)", version, ccsds.SpacecraftID)
	log.Printf("xritrx: input=%s mode=%s (%d bps) output=%s", cfg.Input, cfg.Mode, cfg.Mode.BitsPerSecond(), cfg.Output)
	switch cfg.Input {
	case config.InputOSP:
		log.Printf("xritrx: osp endpoint %s:%d", cfg.OSPIP, cfg.OSPPort)
	case config.InputGOESRECV:
		log.Printf("xritrx: goesrecv endpoint %s:%d", cfg.GoesRecvIP, cfg.GoesRecvPort)
	case config.InputFile:
		log.Printf("xritrx: replaying capture file %s", cfg.FilePath)
	}
	if keyTablePath != "" {
		log.Printf("xritrx: key table %s", keyTablePath)
	} else {
		log.Printf("xritrx: no key table configured, encrypted files will be dropped")
	}
	if metricsAddr != "" {
		log.Printf("xritrx: metrics on %s/metrics", metricsAddr)
	}
}

func run(cfg *config.Config, keyTablePath, metricsAddr string, queueDepth int) error {
	sk, err := sink.New(cfg.Output)
	if err != nil {
		return fmt.Errorf("open sink: %w", err)
	}

	st, err := stats.NewReporter(statsDBPath(cfg.Output))
	if err != nil {
		return fmt.Errorf("open stats reporter: %w", err)
	}
	defer st.Close()

	var ks *keystore.Store
	var keyLookup spdu.KeyLookup
	if keyTablePath != "" {
		ks, err = keystore.Open(keystoreDir(cfg.Output))
		if err != nil {
			return fmt.Errorf("open keystore: %w", err)
		}
		defer ks.Close()

		data, err := os.ReadFile(keyTablePath)
		if err != nil {
			return fmt.Errorf("read key table: %w", err)
		}
		n, err := ks.LoadTable(data)
		if err != nil {
			return fmt.Errorf("load key table: %w", err)
		}
		log.Printf("xritrx: loaded %d key(s)", n)
		keyLookup = ks.Lookup
	}

	var pinger health.KeystorePinger
	if ks != nil {
		pinger = ks
	}
	if err := health.CheckAll(context.Background(), cfg.Output, sourceAddr(cfg), pinger); err != nil {
		return fmt.Errorf("readiness check: %w", err)
	}

	src, err := openSource(cfg)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}

	var dump *reader.DumpWriter
	if cfg.DumpPath != "" {
		dump, err = reader.NewDumpWriter(cfg.DumpPath)
		if err != nil {
			return fmt.Errorf("open dump file: %w", err)
		}
		defer dump.Close()
	}

	queue := reader.NewQueue(queueDepth)
	pump := reader.NewPump(src, queue, dump, cfg.Mode.BitsPerSecond())
	core := demux.NewCore(sk, st, keyLookup, cfg.Verbose)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		if err := reg.Register(st); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("xritrx: metrics server: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	pumpErr := make(chan error, 1)
	go func() { pumpErr <- pump.Run(ctx) }()

	coreErr := make(chan error, 1)
	go func() { coreErr <- core.Run(ctx, queue) }()

	flushTicker := time.NewTicker(30 * time.Second)
	defer flushTicker.Stop()

	for {
		select {
		case <-sig:
			log.Printf("xritrx: shutting down")
			cancel()
			<-coreErr
			return st.Flush()

		case err := <-pumpErr:
			// pump.Run always stops the queue before returning, so the core
			// drains whatever is left and exits on its own (spec §4.2); no
			// need to cancel ctx to unblock it.
			<-coreErr
			if cfg.Input == config.InputFile {
				return st.Flush()
			}
			cancel()
			return err

		case err := <-coreErr:
			cancel()
			return err

		case <-flushTicker.C:
			if err := st.Flush(); err != nil {
				log.Printf("xritrx: stats flush: %v", err)
			}
		}
	}
}

func sourceAddr(cfg *config.Config) string {
	switch cfg.Input {
	case config.InputOSP:
		return fmt.Sprintf("%s:%d", cfg.OSPIP, cfg.OSPPort)
	case config.InputGOESRECV:
		return fmt.Sprintf("%s:%d", cfg.GoesRecvIP, cfg.GoesRecvPort)
	default:
		return ""
	}
}

func openSource(cfg *config.Config) (reader.Source, error) {
	switch cfg.Input {
	case config.InputOSP:
		return reader.DialOSP(fmt.Sprintf("%s:%d", cfg.OSPIP, cfg.OSPPort))
	case config.InputGOESRECV:
		return reader.DialGoesRecv(fmt.Sprintf("%s:%d", cfg.GoesRecvIP, cfg.GoesRecvPort))
	case config.InputFile:
		return reader.OpenFile(cfg.FilePath)
	default:
		return nil, fmt.Errorf("unhandled input mode %q", cfg.Input)
	}
}

func keystoreDir(outputRoot string) string {
	return filepath.Join(outputRoot, ".keystore")
}

func statsDBPath(outputRoot string) string {
	return filepath.Join(outputRoot, "continuity.db")
}
