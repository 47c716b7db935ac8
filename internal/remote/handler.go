// Package remote serves the line-oriented command protocol over TCP and
// serial ports.
package remote

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/cjeanneret/CheckerGantry/internal/hw/axis"
	"github.com/cjeanneret/CheckerGantry/internal/hw/limit"
	"github.com/cjeanneret/CheckerGantry/internal/logic/board"
	"github.com/cjeanneret/CheckerGantry/internal/logic/homing"
	"github.com/cjeanneret/CheckerGantry/internal/logic/motion"
)

// Protocol replies.
const (
	ReplyOK              = "OK"
	ReplyEmpty           = "EMPTY"
	ReplyUnknown         = "UNKNOWN CMD"
	ReplyBadJog          = "BAD JOG FORMAT"
	ReplyBadMove         = "BAD MOVE FORMAT"
	ReplyBadCalibrate    = "BAD CALIBRATE FORMAT"
	ReplyLimitsUndefined = "ERR LIMITS UNDEFINED"
	replyErrPrefix       = "ERR "
	replyPositionPrefix  = "POS "
	replySwitchesPrefix  = "LIMITS "
)

// Machine is what the protocol drives.
type Machine interface {
	Position() (x, y, z float64)
	XYLimits() (x, y axis.SoftLimits, err error)
	JogTo(x, y, z float64) error
	MovePiece(from, to board.Square) error
	Home(ctx context.Context) (homing.Report, error)
	Switches() (limit.State, error)
	CalibrateFixed(sizeMm float64) error
	CalibrateCorners(bl, br, tr, tl board.Point) error
	CalibrateLimits() error
}

// Handler turns one command line into one reply line. Replies carry no
// trailing newline; the transports add it.
type Handler struct {
	m Machine
}

// NewHandler builds a Handler over m.
func NewHandler(m Machine) *Handler {
	return &Handler{m: m}
}

// Handle executes one command. Command words are case-insensitive.
func (h *Handler) Handle(ctx context.Context, line string) string {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return ReplyEmpty
	}
	args := parts[1:]

	switch strings.ToUpper(parts[0]) {
	case "JOG_TO":
		v, ok := parseFloats(args, 3)
		if !ok {
			return ReplyBadJog
		}
		return reply(h.m.JogTo(v[0], v[1], v[2]))

	case "GET_POSITION":
		x, y, z := h.m.Position()
		return fmt.Sprintf("%s%.2f %.2f %.2f", replyPositionPrefix, x, y, z)

	case "GET_XY_LIMITS":
		xl, yl, err := h.m.XYLimits()
		if err != nil {
			return ReplyLimitsUndefined
		}
		return fmt.Sprintf("%.2f,%.2f,%.2f,%.2f", xl.Min, xl.Max, yl.Min, yl.Max)

	case "MOVE":
		v, ok := parseInts(args, 4)
		if !ok {
			return ReplyBadMove
		}
		from := board.Square{Col: v[0], Row: v[1]}
		to := board.Square{Col: v[2], Row: v[3]}
		return reply(h.m.MovePiece(from, to))

	case "HOME":
		_, err := h.m.Home(ctx)
		return reply(err)

	case "GET_LIMITS":
		st, err := h.m.Switches()
		if err != nil {
			return replyErrPrefix + err.Error()
		}
		return replySwitchesPrefix + st.String()

	case "CALIBRATE_FIXED":
		v, ok := parseFloats(args, 1)
		if !ok || v[0] <= 0 {
			return ReplyBadCalibrate
		}
		return reply(h.m.CalibrateFixed(v[0]))

	case "CALIBRATE_CORNERS":
		v, ok := parseFloats(args, 8)
		if !ok {
			return ReplyBadCalibrate
		}
		return reply(h.m.CalibrateCorners(
			board.Point{X: v[0], Y: v[1]},
			board.Point{X: v[2], Y: v[3]},
			board.Point{X: v[4], Y: v[5]},
			board.Point{X: v[6], Y: v[7]},
		))

	case "CALIBRATE_LIMITS":
		if len(args) != 0 {
			return ReplyBadCalibrate
		}
		return reply(h.m.CalibrateLimits())
	}
	return ReplyUnknown
}

func reply(err error) string {
	switch {
	case err == nil:
		return ReplyOK
	case errors.Is(err, motion.ErrLimitsUndefined):
		return ReplyLimitsUndefined
	}
	// Keep the reply on one line.
	return replyErrPrefix + strings.Join(strings.Fields(err.Error()), " ")
}

func parseFloats(args []string, n int) ([]float64, bool) {
	if len(args) != n {
		return nil, false
	}
	out := make([]float64, n)
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func parseInts(args []string, n int) ([]int, bool) {
	if len(args) != n {
		return nil, false
	}
	out := make([]int, n)
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}
