package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/brcmfmac/msgbuf"
	"github.com/brcmfmac/msgbuf/internal/bus"
	"github.com/brcmfmac/msgbuf/internal/logging"
)

func main() {
	var (
		resourcePath = flag.String("bar", "", "sysfs BAR resource file to map (e.g. /sys/bus/pci/devices/0000:01:00.0/resource2); if empty, runs against an in-process simulated chipset")
		regionSize   = flag.Int("bar-size", 4<<20, "bytes of the BAR resource to map")
		ifaceIdx     = flag.Int("if", 0, "interface index to bring up")
		apMode       = flag.Bool("ap", false, "bring the interface up in AP mode")
		verbose      = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	eventHandler := func(ifIdx uint8, data []byte) {
		logger.Info("firmware event", "if", ifIdx, "bytes", len(data))
	}
	dataHandler := func(ifIdx uint8, data []byte) {
		logger.Debug("rx frame", "if", ifIdx, "bytes", len(data))
	}

	cfg := msgbuf.DefaultConfig()

	var (
		tr  *msgbuf.Transport
		err error
	)
	if *resourcePath == "" {
		logger.Info("no -bar given, running against an in-process simulated chipset")
		tr, _, err = msgbuf.NewSimulatedTransport(cfg, eventHandler, dataHandler)
	} else {
		logger.Info("mapping chipset BAR", "path", *resourcePath, "size", *regionSize)
		var pcie *bus.PcieBus
		pcie, err = bus.NewPcieBus(bus.PcieConfig{
			ResourcePath: *resourcePath,
			RegionSize:   *regionSize,
		}, bus.DefaultDmaConfig())
		if err == nil {
			tr, err = msgbuf.New(pcie, cfg, eventHandler, dataHandler)
		}
	}
	if err != nil {
		logger.Error("failed to start transport", "error", err)
		os.Exit(1)
	}

	sourceMAC := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, byte(*ifaceIdx + 1)}
	tr.AddInterface(*ifaceIdx, sourceMAC, *apMode)
	logger.Info("interface up", "if", *ifaceIdx, "ap_mode", *apMode)

	fmt.Printf("msgbufd running, interface %d (ap_mode=%v)\n", *ifaceIdx, *apMode)
	fmt.Printf("Press Ctrl+C to stop...\n")
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			filename := fmt.Sprintf("msgbufd-stacks-%d.txt", time.Now().Unix())
			if f, err := os.Create(filename); err == nil {
				f.Write(buf[:n])
				fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
				pprof.Lookup("goroutine").WriteTo(f, 2)
				f.Close()
				logger.Info("stack trace written to file", "file", filename)
			}
		}
	}()

	statsTicker := time.NewTicker(10 * time.Second)
	defer statsTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-statsTicker.C:
			snap := tr.MetricsSnapshot()
			logger.Info("stats",
				"ioctl_ops", snap.IoctlOps, "ioctl_errors", snap.IoctlErrors,
				"tx_frames", snap.TxFrames, "rx_frames", snap.RxFrames,
				"events", snap.Events, "flow_ring_opens", snap.FlowRingOpens)
		case <-sigCh:
			logger.Info("received shutdown signal")
			if err := tr.Close(); err != nil {
				logger.Error("error closing transport", "error", err)
				os.Exit(1)
			}
			logger.Info("transport closed")
			return
		}
	}
}
