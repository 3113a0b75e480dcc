// Package eventlog writes the structured JSON event lines every tandem
// component emits next to its plain bracketed log output.
package eventlog

import (
	"encoding/json"
	"log"
	"time"
)

// Logger emits events for one component of one instance.
type Logger struct {
	component    string
	instanceName string
	prefix       string
}

// New creates an event logger. prefix is the bracketed tag used for plain
// log lines, e.g. "[Sequencer]".
func New(component, instanceName, prefix string) *Logger {
	return &Logger{component: component, instanceName: instanceName, prefix: prefix}
}

// Info logs a structured info-level event.
func (l *Logger) Info(eventType string, data map[string]interface{}) {
	l.emit("info", eventType, data)
}

// Warn logs a structured warn-level event.
func (l *Logger) Warn(eventType string, data map[string]interface{}) {
	l.emit("warn", eventType, data)
}

// Error logs a structured error-level event.
func (l *Logger) Error(eventType string, data map[string]interface{}) {
	l.emit("error", eventType, data)
}

// Printf writes a plain log line with the component prefix.
func (l *Logger) Printf(format string, args ...interface{}) {
	log.Printf(l.prefix+" "+format, args...)
}

func (l *Logger) emit(level, eventType string, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = level
	data["component"] = l.component
	data["event_type"] = eventType
	data["instance"] = l.instanceName

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("%s Failed to marshal log event: %v", l.prefix, err)
		return
	}

	log.Println(string(jsonData))
}
