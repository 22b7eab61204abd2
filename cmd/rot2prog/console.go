package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/w1xm/rot2prog_interface/rot2prog"
)

type consoleCommand struct {
	Name        string
	Usage       string
	Description string
	MinArgs     int
	MaxArgs     int
	Handler     func(ctx context.Context, s *Server, w io.Writer, args []string) error
}

var consoleCommands = map[string]consoleCommand{
	"status":   {"status", "status", "report azimuth, elevation and pulses per degree", 0, 0, consoleStatus},
	"stop":     {"stop", "stop", "stop the rotor and report where it stopped", 0, 0, consoleStop},
	"set":      {"set", "set <azimuth> <elevation>", "turn the rotor toward a position", 2, 2, consoleSet},
	"move":     {"move", "move <up|down|left|right> <step>", "nudge the rotor step degrees from where it is", 2, 2, consoleMove},
	"offset":   {"offset", "offset <azimuth> <elevation>", "set the mounting offsets added to reported positions", 2, 2, consoleOffset},
	"clear":    {"clear", "clear", "clear the screen", 0, 0, consoleClear},
	"dev":      {"dev", "dev", "describe the connected controller", 0, 0, consoleDevice},
	"new":      {"new", "new device <target>", "switch to another serial device or host:port", 2, 2, consoleNewDevice},
	"interval": {"interval", "interval <seconds>", "change the status poll interval (0-60s)", 1, 1, consoleInterval},
}

func printStatus(w io.Writer, r Report) {
	fmt.Fprintf(w, "Azimuth:   %.1f\nElevation: %.1f\nPulse:     %d\n", r.Status.AzPos, r.Status.ElPos, r.Status.PulsesPerDegree)
}

func consoleStatus(ctx context.Context, s *Server, w io.Writer, args []string) error {
	if u := s.poll(ctx); u.Err != nil {
		return u.Err
	}
	report, _ := s.Latest()
	printStatus(w, report)
	return nil
}

func consoleStop(ctx context.Context, s *Server, w io.Writer, args []string) error {
	if err := s.stop(ctx); err != nil {
		return err
	}
	report, _ := s.Latest()
	printStatus(w, report)
	return nil
}

func consoleSet(ctx context.Context, s *Server, w io.Writer, args []string) error {
	az, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("azimuth %q: %w", args[0], err)
	}
	el, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("elevation %q: %w", args[1], err)
	}
	err = s.set(ctx, az, el)
	boundsHint(s, w, err)
	return err
}

// boundsHint explains the limits when err rejected a position.
func boundsHint(s *Server, w io.Writer, err error) {
	var verr *rot2prog.ValidationError
	if !errors.As(err, &verr) || (verr.Field != "azimuth" && verr.Field != "elevation") {
		return
	}
	b := s.ctrl.Bounds()
	fmt.Fprintf(w, "Choose an azimuth between %g and %g\n", b.MinAz, b.MaxAz)
	fmt.Fprintf(w, "Choose an elevation between %g and %g\n", b.MinEl, b.MaxEl)
}

func consoleMove(ctx context.Context, s *Server, w io.Writer, args []string) error {
	step, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("step %q: %w", args[1], err)
	}
	err = s.move(ctx, args[0], step)
	boundsHint(s, w, err)
	return err
}

func consoleOffset(ctx context.Context, s *Server, w io.Writer, args []string) error {
	az, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("azimuth offset %q: %w", args[0], err)
	}
	el, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("elevation offset %q: %w", args[1], err)
	}
	if err := s.setOffsets(ctx, az, el); err != nil {
		return err
	}
	fmt.Fprintf(w, "Offset: azimuth %g, elevation %g\n", az, el)
	return nil
}

func consoleClear(ctx context.Context, s *Server, w io.Writer, args []string) error {
	fmt.Fprint(w, "\033[H\033[2J")
	return nil
}

func consoleDevice(ctx context.Context, s *Server, w io.Writer, args []string) error {
	fmt.Fprintf(w, "Rotor controller: SPID Elektronik Rot2Prog\nConnection: %s\nProtocol: SPID\n", s.ctrl.Target())
	return nil
}

func consoleNewDevice(ctx context.Context, s *Server, w io.Writer, args []string) error {
	if !strings.EqualFold(args[0], "device") {
		return fmt.Errorf("unknown command %q", "new "+args[0])
	}
	err := s.reconnect(ctx, args[1])
	fmt.Fprintf(w, "Connection: %s\n", s.ctrl.Target())
	return err
}

func consoleInterval(ctx context.Context, s *Server, w io.Writer, args []string) error {
	seconds, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("interval %q: %w", args[0], err)
	}
	if err := s.setInterval(seconds); err != nil {
		return err
	}
	fmt.Fprintf(w, "Interval: %gs\n", s.poller.Interval().Seconds())
	return nil
}

func consoleHelp(w io.Writer) {
	var names []string
	for name := range consoleCommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := consoleCommands[name]
		fmt.Fprintf(w, "  %-34s %s\n", c.Usage, c.Description)
	}
	fmt.Fprintf(w, "  %-34s %s\n", "help", "show this help")
	fmt.Fprintf(w, "  %-34s %s\n", "exit", "leave the console")
}

// execute runs one console line, returning false when the console
// should exit.
func (s *Server) execute(ctx context.Context, w io.Writer, input string) bool {
	tokens := strings.Fields(input)
	if len(tokens) == 0 {
		return true
	}
	name := strings.ToLower(tokens[0])
	switch name {
	case "exit", "quit":
		return false
	case "help":
		consoleHelp(w)
		return true
	}
	cmd, ok := consoleCommands[name]
	if !ok {
		fmt.Fprintf(w, "Error: unknown command %q\nTry 'help' for more information\n", tokens[0])
		return true
	}
	args := tokens[1:]
	if len(args) < cmd.MinArgs || len(args) > cmd.MaxArgs {
		fmt.Fprintf(w, "usage: %s\n", cmd.Usage)
		return true
	}
	if err := cmd.Handler(ctx, s, w, args); err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
	}
	return true
}

// RunConsole reads commands from the terminal until exit, EOF or ^C.
func (s *Server) RunConsole(ctx context.Context) error {
	shell := liner.NewLiner()
	defer shell.Close()

	shell.SetCtrlCAborts(true)
	shell.SetCompleter(func(line string) (c []string) {
		for name := range consoleCommands {
			if strings.HasPrefix(name, strings.ToLower(line)) {
				c = append(c, name)
			}
		}
		return
	})

	historyFile := filepath.Join(os.TempDir(), ".rot2prog_history")
	if f, err := os.Open(historyFile); err == nil {
		shell.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyFile); err == nil {
			shell.WriteHistory(f)
			f.Close()
		} else {
			log.Printf("saving history: %v", err)
		}
	}()

	fmt.Println(`Rot2Prog command mode; type "help" for commands, Ctrl-D to quit.`)
	for ctx.Err() == nil {
		input, err := shell.Prompt(s.ctrl.Target().String() + ": ")
		if err == liner.ErrPromptAborted || err == io.EOF {
			fmt.Println()
			return nil
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(input) != "" {
			shell.AppendHistory(input)
		}
		if !s.execute(ctx, os.Stdout, input) {
			return nil
		}
	}
	return ctx.Err()
}
