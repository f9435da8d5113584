package logger

import (
	"log/slog"
	"os"
	"strings"
)

type Logger struct {
	*slog.Logger
}

func New(logLevel string) *Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(logLevel),
		AddSource: logLevel == "debug",
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)

	return &Logger{
		Logger: slog.New(handler),
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
	}
}

func (l *Logger) WithFields(fields ...interface{}) *Logger {
	return &Logger{
		Logger: l.Logger.With(fields...),
	}
}

// RRPAction logs one RRP state-machine decision: the command received, the
// action it produced, and the interface it arrived on.
func (l *Logger) RRPAction(iface, cmd, action string, changed, synced bool) {
	l.Debug("RRP action decided",
		slog.String("interface", iface),
		slog.String("cmd", cmd),
		slog.String("action", action),
		slog.Bool("changed", changed),
		slog.Bool("synced", synced))
}

// StubTransition logs entering or leaving stub mode on an interface.
func (l *Logger) StubTransition(entering bool, iface string) {
	if entering {
		l.Info("entered stub mode", slog.String("upstream", iface))
		return
	}
	l.Info("left stub mode", slog.String("former_upstream", iface))
}

// LinkEvent logs a connector connect/disconnect transition.
func (l *Logger) LinkEvent(iface, event string) {
	l.Info("link event", slog.String("interface", iface), slog.String("event", event))
}

// FDPChunk logs one chunk-level FDP action (announce/request/data/commit).
func (l *Logger) FDPChunk(action string, fwType uint8, fwVersion uint16, chunkID uint16, iface string) {
	l.Debug("FDP chunk action",
		slog.String("action", action),
		slog.Int("fw_type", int(fwType)),
		slog.Int("fw_version", int(fwVersion)),
		slog.Int("chunk_id", int(chunkID)),
		slog.String("interface", iface))
}

// FDPCommit logs a successful firmware commit.
func (l *Logger) FDPCommit(fwType uint8, fwVersion uint16, chunks int) {
	l.Info("firmware update committed",
		slog.Int("fw_type", int(fwType)),
		slog.Int("fw_version", int(fwVersion)),
		slog.Int("chunks", chunks))
}

func (l *Logger) ServiceStart(version, pid string) {
	l.Info("Service starting",
		slog.String("version", version),
		slog.String("pid", pid))
}

func (l *Logger) ServiceStop() {
	l.Info("Service stopping")
}

func (l *Logger) ConfigLoaded(file string, connectors int) {
	l.Info("Configuration loaded",
		slog.String("config_file", file),
		slog.Int("connectors", connectors))
}

// InvariantViolation logs a fatal-for-this-task invariant breach (§7 of the
// spec); the caller resets the relevant networking state afterward.
func (l *Logger) InvariantViolation(component, detail string) {
	l.Error("invariant violation, resetting networking state",
		slog.String("component", component),
		slog.String("detail", detail))
}
