package executor

import (
	"regexp"
	"strings"
	"time"
)

// Log levels emitted by pipelines
const (
	LevelDebug   = "DEBUG"
	LevelInfo    = "INFO"
	LevelWarn    = "WARN"
	LevelError   = "ERROR"
	LevelSuccess = "SUCCESS"
)

// Subsystem names used for lines the executor itself produces or cannot attribute
const (
	SubsystemEngine = "SISTEMA"
	SubsystemStdout = "STDOUT"
	SubsystemStderr = "STDERR"
)

// LogEntry is one structured log line of a running job
type LogEntry struct {
	Level     string    `json:"level"`
	Subsystem string    `json:"subsystem"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// LogFunc receives log entries in emission order
type LogFunc func(LogEntry)

// String renders the entry as it is stored in the job log
func (e LogEntry) String() string {
	return "[" + e.Level + "] [" + e.Subsystem + "] " + e.Message
}

var logLinePattern = regexp.MustCompile(`^\[(\w+)\]\s+\[([^\]]+)\]\s+(.+)$`)

// ParseLine parses "[LEVEL] [SUBSYSTEM] message". Anything else becomes an
// INFO line attributed to STDOUT.
func ParseLine(line string, now time.Time) LogEntry {
	if m := logLinePattern.FindStringSubmatch(line); m != nil {
		return LogEntry{
			Level:     strings.ToUpper(m[1]),
			Subsystem: m[2],
			Message:   m[3],
			Timestamp: now,
		}
	}
	return LogEntry{
		Level:     LevelInfo,
		Subsystem: SubsystemStdout,
		Message:   line,
		Timestamp: now,
	}
}

// IsNamedSubsystem reports whether subsystem refers to a real pipeline
// subsystem rather than the engine or a raw output stream
func IsNamedSubsystem(subsystem string) bool {
	switch strings.ToLower(strings.TrimSpace(subsystem)) {
	case "", "sistema", "stdout", "stderr":
		return false
	}
	return true
}
