// Command rot2prog_sim emulates a Rot2Prog controller on a TCP port or a
// serial device, for exercising the server without hardware.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/tarm/serial"
	"github.com/w1xm/rot2prog_interface/rot2prog"
	"github.com/w1xm/rot2prog_interface/rot2prog/simulator"
	"github.com/w1xm/rot2prog_interface/transport"
	"golang.org/x/sync/errgroup"
)

var (
	addr       = flag.String("addr", "127.0.0.1:2323", "TCP address to listen on")
	serialPort = flag.String("serial", "", "serve on this serial port instead of TCP")
	baud       = flag.Int("baud", transport.DefaultBaud, "serial baud rate")
	pulse      = flag.Uint("pulse", 10, "pulses per degree to report (1, 2, 4 or 10 on real hardware)")
	az         = flag.Float64("az", 0, "initial azimuth")
	el         = flag.Float64("el", 0, "initial elevation")
	verbose    = flag.Bool("verbose", false, "log every frame")
)

func main() {
	flag.Parse()
	if *pulse == 0 || *pulse > 255 {
		log.Fatalf("-pulse %d out of range", *pulse)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := simulator.New(uint8(*pulse))
	sim.Verbose = *verbose
	sim.SetStatus(rot2prog.Status{AzPos: *az, ElPos: *el, PulsesPerDegree: uint8(*pulse)})

	if *serialPort != "" {
		port, err := serial.OpenPort(&serial.Config{Name: *serialPort, Baud: *baud})
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("simulating on %s@%d", *serialPort, *baud)
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return sim.Run(ctx) })
		g.Go(func() error { return sim.Handle(ctx, port) })
		if err := g.Wait(); err != nil && err != context.Canceled {
			log.Fatal(err)
		}
		return
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("simulating on %v", ln.Addr())
	if err := sim.Serve(ctx, ln); err != nil && err != context.Canceled {
		log.Fatal(err)
	}
}
