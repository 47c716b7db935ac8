package debug

import (
	"io"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (homing results, calibration)
	LevelLive    = 2 // Live info (moves, commands)
	LevelVerbose = 3 // Verbose (phases, step counts)
	LevelTrace   = 4 // Trace (GPIO, very low level)
)

var (
	level  atomic.Int32
	logger atomic.Pointer[zap.SugaredLogger]
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (homing results, calibration frame)
// 2 = live info (moves, remote commands)
// 3 = verbose (homing phases, step counts, config)
// 4 = trace (GPIO, very low level)
func Init(debugLevel int) {
	level.Store(int32(debugLevel))
	if debugLevel > LevelOff {
		SetOutput(os.Stdout)
	} else {
		logger.Store(nil)
	}
}

// SetOutput rebuilds the logger so that it writes to w.
// Has no effect while the debug level is off.
func SetOutput(w io.Writer) {
	if Level() <= LevelOff {
		return
	}
	logger.Store(newLogger(w))
}

func newLogger(w io.Writer) *zap.SugaredLogger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z0700")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.CallerKey = ""
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(w),
		zap.DebugLevel,
	)
	return zap.New(core).Named("CheckerGantry").Sugar()
}

// Level returns the current debug level.
func Level() int {
	return int(level.Load())
}

func active(minLevel int) *zap.SugaredLogger {
	if Level() < minLevel {
		return nil
	}
	return logger.Load()
}

// Sync flushes buffered log entries.
func Sync() {
	if l := logger.Load(); l != nil {
		_ = l.Sync()
	}
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	if l := active(LevelInfo); l != nil {
		l.Infof(format, args...)
	}
}

// Summary prints an important summary banner (level 1).
func Summary(title string) {
	if l := active(LevelInfo); l != nil {
		l.Info("═══════════════════════════════════════")
		l.Infof("  %s", title)
		l.Info("═══════════════════════════════════════")
	}
}

// Homed prints the outcome of homing one axis (level 1).
func Homed(axis string, ok bool, min, max float64) {
	if l := active(LevelInfo); l != nil {
		l.Infow("homing result", "axis", axis, "ok", ok, "min_mm", min, "max_mm", max)
	}
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	if l := active(LevelLive); l != nil {
		l.Infof(format, args...)
	}
}

// Move prints a motor movement (level 2).
func Move(axis string, steps int, direction string) {
	if l := active(LevelLive); l != nil {
		l.Infow("move", "axis", axis, "steps", steps, "dir", direction)
	}
}

// Command prints a remote command and its reply (level 2).
func Command(source, line, reply string) {
	if l := active(LevelLive); l != nil {
		l.Infow("command", "src", source, "cmd", line, "reply", reply)
	}
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	if l := active(LevelVerbose); l != nil {
		l.Debugf(format, args...)
	}
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	if l := active(LevelVerbose); l != nil {
		l.Debugf("%s: %+v", name, v)
	}
}

// Phase prints a homing phase transition (level 3).
func Phase(axis, phase string) {
	if l := active(LevelVerbose); l != nil {
		l.Debugw("homing phase", "axis", axis, "phase", phase)
	}
}

// Section prints a section separator (level 3).
func Section(name string) {
	if l := active(LevelVerbose); l != nil {
		l.Debug("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		l.Debugf("  %s", name)
		l.Debug("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	if l := active(LevelVerbose); l != nil {
		l.Debugf("Step %d: %s", num, description)
	}
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	if l := active(LevelInfo); l != nil {
		l.Infof("  %s = %v", name, value)
	}
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace, GPIO).
func Trace(format string, args ...interface{}) {
	if l := active(LevelTrace); l != nil {
		l.Debugf(format, args...)
	}
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	if l := active(LevelTrace); l != nil {
		l.Debugw("gpio", "op", operation, "pin", pin, "value", value)
	}
}

// Limit prints a limit switch reading (level 4).
func Limit(name string, triggered bool) {
	if l := active(LevelTrace); l != nil {
		l.Debugw("limit", "switch", name, "triggered", triggered)
	}
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	if l := active(LevelInfo); l != nil {
		l.Errorf("%v", err)
	}
}
