package rot2prog

import (
	"fmt"
	"math"
	"strconv"
)

const (
	// CommandLen is the size of every frame sent to the controller.
	CommandLen = 13
	// ResponseLen is the size of a STATUS or STOP reply.
	ResponseLen = 12

	startByte = 0x57
	endByte   = 0x20

	// maxPulses is the largest count that fits the four digit fields.
	maxPulses = 9999
)

// Command is the command byte at offset 11 of a command frame.
type Command byte

const (
	CmdStop   Command = 0x0F
	CmdStatus Command = 0x1F
	CmdSet    Command = 0x2F
)

func (c Command) String() string {
	switch c {
	case CmdStop:
		return "STOP"
	case CmdStatus:
		return "STATUS"
	case CmdSet:
		return "SET"
	}
	return fmt.Sprintf("Command(%#02x)", byte(c))
}

// Status is the position reported by the controller, along with its
// pulse resolution.
type Status struct {
	// AzPos and ElPos are in decimal degrees, with 0.1 degree resolution.
	AzPos float64 `json:"azimuth"`
	ElPos float64 `json:"elevation"`
	// PulsesPerDegree is the encoder resolution the controller reports
	// (PH, which always equals PV).
	PulsesPerDegree uint8 `json:"pulses_per_degree"`
}

func (s Status) AzimuthPosition() float64 {
	return s.AzPos
}

func (s Status) ElevationPosition() float64 {
	return s.ElPos
}

// encodeQuery builds a STATUS or STOP frame.
func encodeQuery(cmd Command) []byte {
	frame := make([]byte, CommandLen)
	frame[0] = startByte
	frame[11] = byte(cmd)
	frame[12] = endByte
	return frame
}

// pulseCount converts an angle into the count carried by a SET frame.
func pulseCount(axis string, angle float64, pulse uint8) (int, error) {
	v := math.Round(float64(pulse) * (360 + angle))
	if v < 0 || v > maxPulses {
		return 0, &ValidationError{
			Field: axis,
			Value: angle,
			Limit: float64(maxPulses)/float64(pulse) - 360,
			Msg:   fmt.Sprintf("%g encodes to %.0f pulses at %d pulses/degree, outside 0-%d", angle, v, pulse, maxPulses),
		}
	}
	return int(v), nil
}

// encodeSet builds a SET frame. Each count is rendered as four ASCII
// digits; the pulse resolution is sent as a raw byte.
func encodeSet(az, el float64, pulse uint8) ([]byte, error) {
	h, err := pulseCount("azimuth", az, pulse)
	if err != nil {
		return nil, err
	}
	v, err := pulseCount("elevation", el, pulse)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, CommandLen)
	frame[0] = startByte
	copy(frame[1:5], fmt.Sprintf("%04d", h))
	frame[5] = pulse
	copy(frame[6:10], fmt.Sprintf("%04d", v))
	frame[10] = pulse
	frame[11] = byte(CmdSet)
	frame[12] = endByte
	return frame, nil
}

// decodeResponse parses a STATUS or STOP reply.
func decodeResponse(cmd Command, frame []byte) (Status, error) {
	if len(frame) != ResponseLen {
		return Status{}, &ProtocolError{
			Command:  cmd,
			Msg:      fmt.Sprintf("short response: %d of %d bytes", len(frame), ResponseLen),
			Received: len(frame),
			Frame:    frame,
		}
	}
	protoErr := func(format string, args ...interface{}) error {
		return &ProtocolError{Command: cmd, Msg: fmt.Sprintf(format, args...), Received: len(frame), Frame: frame}
	}
	if frame[0] != startByte || frame[11] != endByte {
		return Status{}, protoErr("bad framing bytes %#02x/%#02x", frame[0], frame[11])
	}
	for _, i := range []int{1, 2, 3, 4, 6, 7, 8, 9} {
		if frame[i] > 9 {
			return Status{}, protoErr("non-digit byte %#02x at offset %d", frame[i], i)
		}
	}
	ph, pv := frame[5], frame[10]
	if ph != pv {
		return Status{}, protoErr("pulse resolution mismatch: PH=%d PV=%d", ph, pv)
	}
	if ph == 0 {
		return Status{}, protoErr("zero pulse resolution")
	}
	return Status{
		AzPos:           decodeAngle(frame[1:5]),
		ElPos:           decodeAngle(frame[6:10]),
		PulsesPerDegree: ph,
	}, nil
}

func decodeAngle(d []byte) float64 {
	a := float64(d[0])*100 + float64(d[1])*10 + float64(d[2]) + float64(d[3])/10 - 360
	return math.Round(a*10) / 10
}

// EncodeResponse builds the reply a controller sends to STATUS or STOP.
// Angles are clamped to the range the digit fields can carry.
func EncodeResponse(status Status) []byte {
	frame := make([]byte, ResponseLen)
	frame[0] = startByte
	encodeAngle(frame[1:5], status.AzPos)
	frame[5] = status.PulsesPerDegree
	encodeAngle(frame[6:10], status.ElPos)
	frame[10] = status.PulsesPerDegree
	frame[11] = endByte
	return frame
}

func encodeAngle(d []byte, angle float64) {
	tenths := int(math.Round((angle + 360) * 10))
	if tenths < 0 {
		tenths = 0
	} else if tenths > maxPulses {
		tenths = maxPulses
	}
	d[0] = byte(tenths / 1000)
	d[1] = byte(tenths / 100 % 10)
	d[2] = byte(tenths / 10 % 10)
	d[3] = byte(tenths % 10)
}

// Request is a decoded command frame.
type Request struct {
	Command Command
	// AzPos, ElPos and PulsesPerDegree are only meaningful for CmdSet.
	AzPos, ElPos    float64
	PulsesPerDegree uint8
}

// DecodeCommand parses a command frame as a controller would.
func DecodeCommand(frame []byte) (Request, error) {
	if len(frame) != CommandLen {
		return Request{}, fmt.Errorf("command frame is %d bytes, want %d", len(frame), CommandLen)
	}
	if frame[0] != startByte || frame[12] != endByte {
		return Request{}, fmt.Errorf("bad framing bytes %#02x/%#02x", frame[0], frame[12])
	}
	req := Request{Command: Command(frame[11])}
	switch req.Command {
	case CmdStatus, CmdStop:
		return req, nil
	case CmdSet:
	default:
		return Request{}, fmt.Errorf("unknown command byte %#02x", frame[11])
	}
	if frame[5] != frame[10] || frame[5] == 0 {
		return Request{}, fmt.Errorf("bad pulse resolution PH=%d PV=%d", frame[5], frame[10])
	}
	req.PulsesPerDegree = frame[5]
	h, err := strconv.Atoi(string(frame[1:5]))
	if err != nil {
		return Request{}, fmt.Errorf("azimuth digits %q: %w", frame[1:5], err)
	}
	v, err := strconv.Atoi(string(frame[6:10]))
	if err != nil {
		return Request{}, fmt.Errorf("elevation digits %q: %w", frame[6:10], err)
	}
	req.AzPos = float64(h)/float64(req.PulsesPerDegree) - 360
	req.ElPos = float64(v)/float64(req.PulsesPerDegree) - 360
	return req, nil
}
