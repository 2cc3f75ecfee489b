// Command urs485d is the MODBUS-TCP-to-USB gateway daemon: it loads a
// config file describing one or more switches, opens a TCP listener per
// port, discovers and drives the USB hardware, and relays MODBUS requests
// between the two, persisting port parameters across restarts.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"urs485d/internal/adminapi"
	"urs485d/internal/config"
	"urs485d/internal/core"
	"urs485d/internal/daemonlog"
	"urs485d/internal/persist"
	"urs485d/internal/reactor"
	"urs485d/internal/scheduler"
	"urs485d/internal/tcpio"
	"urs485d/internal/usbengine"
)

func main() {
	configPath := flag.String("config", "/etc/urs485d.json", "path to the daemon configuration file")
	logPath := flag.String("log-file", "", "override the configured log file (stderr if neither is set)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		daemonlog.Main.Fatalf("config: %v", err)
	}

	logFile := cfg.LogFile
	if *logPath != "" {
		logFile = *logPath
	}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			daemonlog.Main.Fatalf("open log file: %v", err)
		}
		daemonlog.Configure(f)
	}

	loop := reactor.New()
	store := persist.NewStore(cfg.PersistDir, loop)

	boxes := make([]*core.Box, 0, len(cfg.Switches))
	for _, sw := range cfg.Switches {
		box := core.NewBox(sw.Name, sw.Serial, sw.TCPPortBase)
		box.Persist = store
		if err := store.Load(box); err != nil {
			daemonlog.Main.Fatalf("load persisted state for %s: %v", sw.Name, err)
		}
		boxes = append(boxes, box)
	}

	idleTimeout := time.Duration(cfg.TCPIdleTimeoutS) * time.Second
	for _, box := range boxes {
		for i := 0; i < core.NumPorts; i++ {
			if err := tcpio.Listen(box, box.Ports[i], loop, idleTimeout); err != nil {
				daemonlog.Main.Fatalf("listen for %s/%d: %v", box.Name, i, err)
			}
		}
	}

	usbMgr := usbengine.NewManager(loop, boxes)
	loop.OnIdle(func() {
		for _, box := range boxes {
			scheduler.Pump(box)
		}
		usbMgr.BrokenTeardown()
	})

	var admin *adminapi.Server
	if cfg.AdminListen != "" {
		admin = adminapi.NewServer(cfg.AdminListen, boxes, loop)
		admin.Start()
	}

	usbMgr.Start()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		daemonlog.Main.Printf("shutting down")
		if admin != nil {
			admin.Shutdown()
		}
		loop.Stop()
	}()

	daemonlog.Main.Printf("urs485d: %d switch(es) configured", len(boxes))
	loop.Run()
}
