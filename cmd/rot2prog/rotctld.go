package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"

	"github.com/w1xm/rot2prog_interface/rot2prog"
)

// hamlib error codes
const (
	rprtOK      = 0
	rprtInvalid = -1
	rprtIO      = -6
	rprtProto   = -8
)

// rotctldDirections maps hamlib ROT_MOVE_* codes to jog directions.
var rotctldDirections = map[int]string{
	2:  "up",
	4:  "down",
	8:  "left",
	16: "right",
}

func rprtCode(err error) int {
	var (
		verr *rot2prog.ValidationError
		perr *rot2prog.ProtocolError
	)
	switch {
	case err == nil:
		return rprtOK
	case errors.As(err, &verr):
		return rprtInvalid
	case errors.As(err, &perr):
		return rprtProto
	}
	return rprtIO
}

func (s *Server) ListenRotctld(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Printf("rotctld listening on %v", ln.Addr())
	go func() {
		<-ctx.Done()
		log.Print("shutdown; closing rotctld socket")
		ln.Close()
	}()
	go func() {
		for ctx.Err() == nil {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("failed to accept: %v", err)
				}
				continue
			}
			go func() {
				defer conn.Close()
				log.Printf("accepted connection from %v", conn.RemoteAddr())
				s.handleRotctld(ctx, conn, conn)
			}()
		}
	}()
	return nil
}

func (s *Server) handleRotctld(ctx context.Context, r io.Reader, w io.Writer) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		// Two forms of command: single character, or "+\" followed by command name.
		cmd := scanner.Text()
		var args []string
		var extended bool
		if len(cmd) == 0 {
			continue
		} else if len(cmd) > 2 && cmd[0:2] == `+\` {
			extended = true
			parts := strings.Fields(cmd)
			cmd = parts[0][2:]
			args = parts[1:]
			fmt.Fprintf(w, "%s:\n", cmd)
		} else if cmd[0] == '\\' {
			parts := strings.Fields(cmd)
			cmd = parts[0][1:]
			args = parts[1:]
		} else {
			// Space after command is optional.
			args = strings.Fields(cmd[1:])
			cmd = string(cmd[0])
		}
		rprt := rprtOK
		switch cmd {
		case "1", "dump_caps":
			b := s.ctrl.Bounds()
			fmt.Fprintf(w, `Model name: Rot2Prog
Mfg name: SPID
Rot type: Az-El
Min Azimuth: %.2f
Max Azimuth: %.2f
Min Elevation: %.2f
Max Elevation: %.2f
Can set Position: Y
Can get Position: Y
Can Stop: Y
Can Park: N
Can Reset: N
Can Move: Y
Can get Info: Y
`, b.MinAz, b.MaxAz, b.MinEl, b.MaxEl)
		case "_", "get_info":
			fmt.Fprintf(w, "%s\n", s.ctrl.Target())
		case "S", "stop":
			extended = true // always print RPRT
			rprt = rprtCode(s.stop(ctx))
		case "P", "set_pos":
			extended = true // always print RPRT
			if len(args) != 2 {
				rprt = rprtInvalid
				break
			}
			az, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				rprt = rprtInvalid
				break
			}
			el, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				rprt = rprtInvalid
				break
			}
			if err := s.set(ctx, az, el); err != nil {
				log.Printf("rotctld set_pos %v %v: %v", az, el, err)
				rprt = rprtCode(err)
			}
		case "M", "move":
			extended = true // always print RPRT
			if len(args) != 2 {
				rprt = rprtInvalid
				break
			}
			dir, err := strconv.Atoi(args[0])
			if err != nil {
				rprt = rprtInvalid
				break
			}
			// Speed is 0-100. The controller only takes positions, so
			// move as far as one second at speed/10 deg/sec would.
			speed, err := strconv.Atoi(args[1])
			if err != nil {
				rprt = rprtInvalid
				break
			}
			direction, ok := rotctldDirections[dir]
			if !ok {
				rprt = rprtInvalid
				break
			}
			if err := s.move(ctx, direction, float64(speed)/10); err != nil {
				log.Printf("rotctld move %v %v: %v", dir, speed, err)
				rprt = rprtCode(err)
			}
		case "p", "get_pos":
			u := s.poll(ctx)
			if u.Err != nil {
				rprt = rprtCode(u.Err)
				break
			}
			if extended {
				fmt.Fprintf(w, "Azimuth: %.6f\nElevation: %.6f\n", u.Status.AzPos, u.Status.ElPos)
			} else {
				fmt.Fprintf(w, "%.6f\n%.6f\n", u.Status.AzPos, u.Status.ElPos)
			}
		case "q", "quit":
			return
		default:
			rprt = rprtInvalid
		}
		if extended || rprt != rprtOK {
			fmt.Fprintf(w, "RPRT %d\n", rprt)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("reading rotctld command: %v", err)
	}
}
