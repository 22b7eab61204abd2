// Command rot2prog serves a Rot2Prog rotor controller over HTTP, a
// websocket, a hamlib rotctld socket and an optional interactive console.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/w1xm/rot2prog_interface/internal/poller"
	"github.com/w1xm/rot2prog_interface/rot2prog"
	"github.com/w1xm/rot2prog_interface/rotator"
	"github.com/w1xm/rot2prog_interface/transport"
	"golang.org/x/sync/errgroup"
)

var (
	addr        = flag.String("addr", "127.0.0.1:8502", "address to listen on")
	staticDir   = flag.String("static_dir", "", "directory containing static files")
	serialPort  = flag.String("serial", "", "serial port name")
	baud        = flag.Int("baud", transport.DefaultBaud, "serial baud rate")
	tcpAddr     = flag.String("tcp", "", "host:port of a network-attached controller")
	rotctldAddr = flag.String("rotctld_addr", "", "address for the hamlib rotctld protocol; empty disables")
	interval    = flag.Duration("interval", poller.DefaultInterval, "status poll interval")
	timeout     = flag.Duration("timeout", 2*time.Second, "timeout for each command exchange")
	settle      = flag.Duration("settle", rot2prog.DefaultSettleDelay, "delay after each SET command")
	minAz       = flag.Float64("min_az", rot2prog.DefaultBounds.MinAz, "minimum azimuth")
	maxAz       = flag.Float64("max_az", rot2prog.DefaultBounds.MaxAz, "maximum azimuth")
	minEl       = flag.Float64("min_el", rot2prog.DefaultBounds.MinEl, "minimum elevation")
	maxEl       = flag.Float64("max_el", rot2prog.DefaultBounds.MaxEl, "maximum elevation")
	offsetAz    = flag.Float64("offset_az", 0, "azimuth offset added to reported positions")
	offsetEl    = flag.Float64("offset_el", 0, "elevation offset added to reported positions")
	console     = flag.Bool("console", false, "run an interactive console on stdin")
	debug       = flag.Bool("debug", false, "log every exchange with the controller")
)

func target() (transport.Target, error) {
	switch {
	case *serialPort != "" && *tcpAddr != "":
		return nil, errors.New("-serial and -tcp are mutually exclusive")
	case *serialPort != "":
		return transport.SerialTarget{Device: *serialPort, Baud: *baud}, nil
	case *tcpAddr != "":
		return transport.ParseTarget("tcp://" + strings.TrimPrefix(*tcpAddr, "tcp://"))
	}
	return nil, errors.New("one of -serial or -tcp is required")
}

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t, err := target()
	if err != nil {
		log.Fatal(err)
	}
	connectCtx, cancel := context.WithTimeout(ctx, *timeout+5*time.Second)
	rot, err := rot2prog.Connect(connectCtx, t, rot2prog.Config{
		Bounds:      &rot2prog.Bounds{MinAz: *minAz, MaxAz: *maxAz, MinEl: *minEl, MaxEl: *maxEl},
		Timeout:     *timeout,
		SettleDelay: *settle,
		Debug:       *debug,
	})
	cancel()
	if err != nil {
		log.Fatal(err)
	}
	defer rot.Close()

	// Offsets can be changed at runtime, so the controller is always wrapped.
	var ctrl rotator.Controller = rot2prog.NewOffset(rot, *offsetAz, *offsetEl)

	server, err := NewServer(ctrl, *interval, *timeout)
	if err != nil {
		log.Fatal(err)
	}
	r := server.Router()
	if *staticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(*staticDir)))
	}
	srv := &http.Server{
		Handler:      r,
		Addr:         *addr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		server.poll(ctx)
		return server.poller.Run(ctx)
	})
	g.Go(func() error {
		log.Printf("Listening on %v", srv.Addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if *rotctldAddr != "" {
		if err := server.ListenRotctld(ctx, *rotctldAddr); err != nil {
			log.Fatal(err)
		}
	}
	if *console {
		g.Go(func() error {
			if err := server.RunConsole(ctx); err != nil && err != context.Canceled {
				return err
			}
			// Leaving the console shuts down the process.
			stop()
			return nil
		})
	}
	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatal(err)
	}
}
