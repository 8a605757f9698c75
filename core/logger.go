package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type logLevel int

const (
	levelDebug logLevel = iota
	levelInfo
	levelWarn
	levelError
)

func parseLogLevel(s string) logLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func (l logLevel) String() string {
	switch l {
	case levelDebug:
		return "DEBUG"
	case levelWarn:
		return "WARN"
	case levelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ProductionLogger is the standard structured logger. JSON format is the
// default for log aggregation; text format is meant for local development.
// It implements ComponentAwareLogger so subsystems can stamp their entries:
//
//	logger := core.NewProductionLogger(cfg.Logging, cfg.Development, "prpline")
//	wdLog := logger.(core.ComponentAwareLogger).WithComponent("watchdog")
type ProductionLogger struct {
	mu         *sync.Mutex
	out        io.Writer
	level      logLevel
	format     string
	timeFormat string
	service    string
	component  string
}

// NewProductionLogger creates a logger from the logging and development
// config sections. Development debug logging lowers the level to debug, and
// pretty logs switch the format to text.
func NewProductionLogger(cfg LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	level := parseLogLevel(cfg.Level)
	if dev.DebugLogging {
		level = levelDebug
	}
	format := cfg.Format
	if dev.PrettyLogs {
		format = "text"
	}
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339Nano
	}

	var out io.Writer
	switch cfg.Output {
	case "stderr":
		out = os.Stderr
	default:
		out = os.Stdout
	}

	return &ProductionLogger{
		mu:         &sync.Mutex{},
		out:        out,
		level:      level,
		format:     format,
		timeFormat: timeFormat,
		service:    serviceName,
	}
}

// WithComponent returns a child logger stamping every entry with the
// component name. The child shares the parent's output and configuration.
func (l *ProductionLogger) WithComponent(component string) Logger {
	child := *l
	child.component = component
	return &child
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log(levelInfo, msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log(levelError, msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(levelWarn, msg, fields)
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(levelDebug, msg, fields)
}

func (l *ProductionLogger) log(level logLevel, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	now := time.Now().UTC().Format(l.timeFormat)

	var line []byte
	if l.format == "text" {
		line = l.textLine(now, level, msg, fields)
	} else {
		line = l.jsonLine(now, level, msg, fields)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(line)
}

func (l *ProductionLogger) jsonLine(ts string, level logLevel, msg string, fields map[string]interface{}) []byte {
	entry := make(map[string]interface{}, len(fields)+5)
	entry["time"] = ts
	entry["level"] = level.String()
	entry["message"] = msg
	if l.service != "" {
		entry["service"] = l.service
	}
	if l.component != "" {
		entry["component"] = l.component
	}
	for k, v := range fields {
		if err, ok := v.(error); ok {
			entry[k] = err.Error()
			continue
		}
		entry[k] = v
	}

	b, err := json.Marshal(entry)
	if err != nil {
		// Fields that refuse to marshal must not swallow the message.
		b, _ = json.Marshal(map[string]interface{}{
			"time": ts, "level": level.String(), "message": msg,
			"marshal_error": err.Error(),
		})
	}
	return append(b, '\n')
}

func (l *ProductionLogger) textLine(ts string, level logLevel, msg string, fields map[string]interface{}) []byte {
	var sb strings.Builder
	sb.WriteString(ts)
	sb.WriteString(" [")
	sb.WriteString(level.String())
	sb.WriteString("] ")
	if l.component != "" {
		sb.WriteString(l.component)
		sb.WriteString(": ")
	}
	sb.WriteString(msg)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf(" %s=%v", k, fields[k]))
	}
	sb.WriteByte('\n')
	return []byte(sb.String())
}
