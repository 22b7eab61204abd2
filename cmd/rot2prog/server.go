package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/w1xm/rot2prog_interface/internal/poller"
	"github.com/w1xm/rot2prog_interface/rot2prog"
	"github.com/w1xm/rot2prog_interface/rotator"
	"github.com/w1xm/rot2prog_interface/transport"
)

// Report is the status document served over HTTP and the websocket.
type Report struct {
	Status   rot2prog.Status `json:"status"`
	Bounds   rot2prog.Bounds `json:"bounds"`
	Target   string          `json:"target"`
	Interval float64         `json:"interval"`
	// Offset is the mounting correction applied to Status and Bounds.
	Offset   Offset          `json:"offset"`
	Error    string          `json:"error,omitempty"`
	Time     time.Time       `json:"time"`
}

type Offset struct {
	Azimuth   float64 `json:"azimuth"`
	Elevation float64 `json:"elevation"`
}

type Server struct {
	ctrl    rotator.Controller
	poller  *poller.Poller
	timeout time.Duration

	statusMu sync.RWMutex
	report   Report
	// updated is closed and replaced whenever report changes.
	updated chan struct{}
}

func NewServer(ctrl rotator.Controller, interval, timeout time.Duration) (*Server, error) {
	s := &Server{
		ctrl:    ctrl,
		timeout: timeout,
		updated: make(chan struct{}),
	}
	p, err := poller.New(ctrl, interval, s.statusCallback)
	if err != nil {
		return nil, err
	}
	s.poller = p
	return s, nil
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.StatusHandler).Methods(http.MethodGet)
	api.HandleFunc("/stop", s.StopHandler).Methods(http.MethodPost)
	api.HandleFunc("/set", s.SetHandler).Methods(http.MethodPost)
	api.HandleFunc("/move", s.MoveHandler).Methods(http.MethodPost)
	api.HandleFunc("/offset", s.OffsetHandler).Methods(http.MethodPost)
	api.HandleFunc("/reconnect", s.ReconnectHandler).Methods(http.MethodPost)
	api.HandleFunc("/interval", s.IntervalHandler).Methods(http.MethodPost)
	api.HandleFunc("/ws", s.StatusSocketHandler)
	return r
}

func (s *Server) statusCallback(u poller.Update) {
	report := Report{
		Status:   u.Status,
		Bounds:   s.ctrl.Bounds(),
		Target:   s.ctrl.Target().String(),
		Interval: s.poller.Interval().Seconds(),
		Time:     u.Time,
	}
	if o, ok := s.ctrl.(rotator.Offsetter); ok {
		report.Offset.Azimuth, report.Offset.Elevation = o.Offsets()
	}
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if u.Err != nil {
		// Keep the last known position alongside the error.
		report.Status = s.report.Status
		report.Error = u.Err.Error()
	}
	s.report = report
	close(s.updated)
	s.updated = make(chan struct{})
}

// Latest returns the most recent report and a channel closed when it is
// superseded.
func (s *Server) Latest() (Report, <-chan struct{}) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.report, s.updated
}

func (s *Server) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

func (s *Server) poll(ctx context.Context) poller.Update {
	ctx, cancel := s.commandContext(ctx)
	defer cancel()
	return s.poller.Poll(ctx)
}

// stop halts the rotor and publishes the position where it stopped.
func (s *Server) stop(ctx context.Context) error {
	ctx, cancel := s.commandContext(ctx)
	defer cancel()
	status, err := s.ctrl.Stop(ctx)
	s.statusCallback(poller.Update{Status: status, Err: err, Time: time.Now()})
	return err
}

func (s *Server) set(ctx context.Context, az, el float64) error {
	ctx, cancel := s.commandContext(ctx)
	defer cancel()
	return s.ctrl.Set(ctx, az, el)
}

// jog returns the position step degrees away from pos in direction.
func jog(pos rotator.Status, direction string, step float64) (az, el float64, err error) {
	if !(step > 0) || math.IsInf(step, 1) {
		return 0, 0, &rot2prog.ValidationError{Field: "step", Value: step, Msg: fmt.Sprintf("%g is not a positive number of degrees", step)}
	}
	az, el = pos.AzimuthPosition(), pos.ElevationPosition()
	switch strings.ToLower(direction) {
	case "up":
		el += step
	case "down":
		el -= step
	case "left":
		az -= step
	case "right":
		az += step
	default:
		return 0, 0, &rot2prog.ValidationError{Field: "direction", Msg: fmt.Sprintf("%q is not up, down, left or right", direction)}
	}
	return az, el, nil
}

// move nudges the rotor step degrees from its current position.
func (s *Server) move(ctx context.Context, direction string, step float64) error {
	if _, _, err := jog(rot2prog.Status{}, direction, step); err != nil {
		return err
	}
	ctx, cancel := s.commandContext(ctx)
	defer cancel()
	status, err := s.ctrl.Status(ctx)
	s.statusCallback(poller.Update{Status: status, Err: err, Time: time.Now()})
	if err != nil {
		return err
	}
	az, el, err := jog(status, direction, step)
	if err != nil {
		return err
	}
	return s.ctrl.Set(ctx, az, el)
}

func (s *Server) setOffsets(ctx context.Context, az, el float64) error {
	o, ok := s.ctrl.(rotator.Offsetter)
	if !ok {
		return &rot2prog.ValidationError{Field: "offset", Msg: "controller does not apply offsets"}
	}
	for _, v := range []float64{az, el} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &rot2prog.ValidationError{Field: "offset", Value: v, Msg: fmt.Sprintf("%g is not finite", v)}
		}
	}
	ctx, cancel := s.commandContext(ctx)
	defer cancel()
	if err := o.SetOffsets(ctx, az, el); err != nil {
		return err
	}
	return s.poller.Poll(ctx).Err
}

// reconnect retargets the controller and recalibrates against the new link.
func (s *Server) reconnect(ctx context.Context, addr string) error {
	target, err := transport.ParseTarget(addr)
	if err != nil {
		return &rot2prog.ValidationError{Field: "target", Msg: err.Error()}
	}
	ctx, cancel := s.commandContext(ctx)
	defer cancel()
	if err := s.ctrl.Reconnect(ctx, target); err != nil {
		return err
	}
	return s.poller.Poll(ctx).Err
}

func httpStatus(err error) int {
	var (
		verr *rot2prog.ValidationError
		cerr *rot2prog.ConnectionError
		perr *rot2prog.ProtocolError
		terr *rot2prog.TransportError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &cerr):
		return http.StatusConflict
	case errors.As(err, &perr), errors.As(err, &terr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Print(err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), map[string]string{"error": err.Error()})
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if u := s.poll(r.Context()); u.Err != nil {
		writeError(w, u.Err)
		return
	}
	report, _ := s.Latest()
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) StopHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.stop(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	report, _ := s.Latest()
	writeJSON(w, http.StatusOK, report)
}

type Command struct {
	Command   string  `json:"command"`
	Azimuth   float64 `json:"azimuth"`
	Elevation float64 `json:"elevation"`
	Target    string  `json:"target"`
	Seconds   float64 `json:"seconds"`
	Direction string  `json:"direction"`
	Step      float64 `json:"step"`
}

func decodeCommand(r *http.Request) (Command, error) {
	var cmd Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		return cmd, &rot2prog.ValidationError{Field: "request", Msg: err.Error()}
	}
	return cmd, nil
}

func (s *Server) SetHandler(w http.ResponseWriter, r *http.Request) {
	cmd, err := decodeCommand(r)
	if err == nil {
		err = s.set(r.Context(), cmd.Azimuth, cmd.Elevation)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) MoveHandler(w http.ResponseWriter, r *http.Request) {
	cmd, err := decodeCommand(r)
	if err == nil {
		err = s.move(r.Context(), cmd.Direction, cmd.Step)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) OffsetHandler(w http.ResponseWriter, r *http.Request) {
	cmd, err := decodeCommand(r)
	if err == nil {
		err = s.setOffsets(r.Context(), cmd.Azimuth, cmd.Elevation)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	report, _ := s.Latest()
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) ReconnectHandler(w http.ResponseWriter, r *http.Request) {
	cmd, err := decodeCommand(r)
	if err == nil {
		err = s.reconnect(r.Context(), cmd.Target)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	report, _ := s.Latest()
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) setInterval(seconds float64) error {
	if err := s.poller.SetInterval(time.Duration(seconds * float64(time.Second))); err != nil {
		return &rot2prog.ValidationError{Field: "interval", Value: seconds, Limit: poller.MaxInterval.Seconds(), Msg: err.Error()}
	}
	return nil
}

func (s *Server) IntervalHandler(w http.ResponseWriter, r *http.Request) {
	cmd, err := decodeCommand(r)
	if err == nil {
		err = s.setInterval(cmd.Seconds)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"interval": s.poller.Interval().Seconds()})
}

const socketWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}
	defer conn.Close()
	// The upgraded connection outlives the HTTP server's deadlines.
	conn.SetReadDeadline(time.Time{})

	// Read and process incoming messages
	cmdErrs := make(chan error, 1)
	go func() {
		defer cancel()
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			var err error
			switch msg.Command {
			case "stop":
				err = s.stop(ctx)
			case "set":
				err = s.set(ctx, msg.Azimuth, msg.Elevation)
			case "move":
				err = s.move(ctx, msg.Direction, msg.Step)
			case "offset":
				err = s.setOffsets(ctx, msg.Azimuth, msg.Elevation)
			case "reconnect":
				err = s.reconnect(ctx, msg.Target)
			case "interval":
				err = s.setInterval(msg.Seconds)
			default:
				err = fmt.Errorf("unknown command %q", msg.Command)
			}
			if err != nil {
				select {
				case cmdErrs <- err:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	report, updated := s.Latest()
	for {
		conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
		if err := conn.WriteJSON(report); err != nil {
			log.Print(err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case err := <-cmdErrs:
			report, _ = s.Latest()
			report.Error = err.Error()
		case <-updated:
			report, updated = s.Latest()
		}
	}
}
