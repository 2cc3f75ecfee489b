// Package adminapi is the daemon's read-only HTTP status surface: a small
// gin router exposing each switch's port configuration, statistics and
// USB attachment state, consumed by external tooling and by
// cmd/urs485mon. The API is read-only: port settings are changed over
// MODBUS, not HTTP, so there are no POST/DELETE routes.
//
// Handler goroutines never touch Box/Port state directly: every response
// body is built inside a closure posted to the reactor loop, so the reads
// are serialized with the reactor's writes instead of racing them.
package adminapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"urs485d/internal/core"
	"urs485d/internal/daemonlog"
	"urs485d/internal/reactor"
)

// snapshotTimeout bounds how long a handler waits for the reactor to
// build its response before giving up with a 503.
const snapshotTimeout = time.Second

// Server wraps the admin HTTP server over a fixed set of switches.
type Server struct {
	boxes []*core.Box
	loop  *reactor.Loop
	http  *http.Server
}

// NewServer builds a Server listening on addr, reporting on boxes. All
// status reads go through loop.
func NewServer(addr string, boxes []*core.Box, loop *reactor.Loop) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{boxes: boxes, loop: loop}

	router.GET("/healthz", s.handleHealthz)
	router.GET("/switches", s.handleListSwitches)
	router.GET("/switches/:name", s.handleSwitch)
	router.GET("/switches/:name/ports", s.handleListPorts)
	router.GET("/switches/:name/ports/:index", s.handlePort)

	s.http = &http.Server{
		Addr:    addr,
		Handler: router,
	}
	return s
}

// Start begins serving in the background. Bind failures are logged but do
// not abort the daemon: the admin API is an observability surface, not a
// load-bearing one.
func (s *Server) Start() {
	go func() {
		daemonlog.Main.Printf("admin API listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			daemonlog.Main.Printf("admin API stopped: %v", err)
		}
	}()
}

// Shutdown gracefully stops the HTTP server, waiting up to 5 seconds for
// in-flight requests to complete.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		daemonlog.Main.Printf("admin API shutdown error: %v", err)
	}
}

// findBox resolves a switch by display name. Names are fixed at startup,
// so this lookup is safe off the reactor goroutine.
func (s *Server) findBox(name string) *core.Box {
	for _, b := range s.boxes {
		if b.Name == name {
			return b
		}
	}
	return nil
}

// snapshot runs build on the reactor goroutine and hands its result back
// to the calling handler. A false return means the reactor did not answer
// within snapshotTimeout (e.g. the daemon is shutting down).
func (s *Server) snapshot(build func() gin.H) (gin.H, bool) {
	ch := make(chan gin.H, 1)
	s.loop.Post(func() { ch <- build() })
	select {
	case h := <-ch:
		return h, true
	case <-time.After(snapshotTimeout):
		return nil, false
	}
}

// reply sends the snapshot built on the reactor, or 503 if none arrived.
func (s *Server) reply(c *gin.Context, build func() gin.H) {
	h, ok := s.snapshot(build)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "daemon not responding"})
		return
	}
	c.JSON(http.StatusOK, h)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "switches": len(s.boxes)})
}

func (s *Server) handleListSwitches(c *gin.Context) {
	s.reply(c, func() gin.H {
		out := make([]gin.H, 0, len(s.boxes))
		for _, b := range s.boxes {
			out = append(out, switchSummary(b))
		}
		return gin.H{"switches": out}
	})
}

func (s *Server) handleSwitch(c *gin.Context) {
	b := s.findBox(c.Param("name"))
	if b == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such switch"})
		return
	}
	s.reply(c, func() gin.H { return switchSummary(b) })
}

func (s *Server) handleListPorts(c *gin.Context) {
	b := s.findBox(c.Param("name"))
	if b == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such switch"})
		return
	}
	s.reply(c, func() gin.H {
		out := make([]gin.H, 0, 8)
		for i := 1; i <= 8; i++ {
			out = append(out, portSummary(b.Ports[i]))
		}
		return gin.H{"ports": out}
	})
}

func (s *Server) handlePort(c *gin.Context) {
	b := s.findBox(c.Param("name"))
	if b == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such switch"})
		return
	}
	idx, ok := parsePortIndex(c.Param("index"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "port index must be 1-8"})
		return
	}
	s.reply(c, func() gin.H { return portSummary(b.Ports[idx]) })
}

func parsePortIndex(s string) (int, bool) {
	if len(s) != 1 || s[0] < '1' || s[0] > '8' {
		return 0, false
	}
	return int(s[0] - '0'), true
}

func switchSummary(b *core.Box) gin.H {
	attached := b.USB != nil && b.USB.Attached()
	ready := b.USB != nil && b.USB.Ready()
	h := gin.H{
		"name":         b.Name,
		"serial":       b.Serial,
		"fallback":     b.IsFallback(),
		"tcp_port_base": b.TCPPortBase,
		"usb_attached": attached,
		"usb_ready":    ready,
	}
	if attached {
		h["usb_serial"] = b.USB.SerialNumber()
		h["hw_revision"] = b.USB.HardwareRevision()
	}
	return h
}

func portSummary(p *core.Port) gin.H {
	return gin.H{
		"index":             p.Index,
		"phys_number":       p.PhysNumber,
		"description":       strings.TrimRight(string(p.Description[:]), " "),
		"baud_rate":         p.BaudRate,
		"parity":            p.Parity,
		"powered":           p.Powered == 1,
		"request_timeout_ms": p.RequestTimeoutMS,
		"current_sense":     p.CurrentSense,
		"counters": gin.H{
			"broadcasts":       p.CntBroadcasts,
			"unicasts":         p.CntUnicasts,
			"frame_errors":     p.CntFrameErrors,
			"oversize_errors":  p.CntOversizeErrors,
			"undersize_errors": p.CntUndersizeErrors,
			"crc_errors":       p.CntCRCErrors,
			"mismatch_errors":  p.CntMismatchErrors,
			"timeouts":         p.CntTimeouts,
		},
	}
}
