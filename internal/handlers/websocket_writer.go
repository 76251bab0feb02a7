package handlers

import (
	"strings"

	plog "github.com/phuslu/log"
	"github.com/ternarybob/arbor/levels"
	"github.com/ternarybob/arbor/models"
	"github.com/ternarybob/arbor/writers"
)

// Buffer size for the websocket log queue.
const defaultWebSocketBufferSize = 1000

// Lines the writer never forwards; streaming the stream's own chatter would
// feed back on itself.
var defaultExcludePatterns = []string{
	"WebSocket client connected",
	"WebSocket client disconnected",
	"HTTP request",
	"HTTP response",
	"Failed to write to websocket client",
}

// WebSocketWriter is an arbor writer that broadcasts log lines to websocket
// clients through a buffered channel, so slow clients never block logging.
type WebSocketWriter struct {
	handler  *WebSocketHandler
	writer   writers.IChannelWriter
	config   models.WriterConfiguration
	minLevel levels.LogLevel
}

// NewWebSocketWriter creates the writer and starts its drain goroutine.
func NewWebSocketWriter(handler *WebSocketHandler, config models.WriterConfiguration) (*WebSocketWriter, error) {
	w := &WebSocketWriter{
		handler:  handler,
		config:   config,
		minLevel: levels.InfoLevel,
	}

	processor := func(entry models.LogEvent) error {
		arborLevel := plogToArborLevel(entry.Level)
		if arborLevel < w.minLevel {
			return nil
		}
		for _, pattern := range defaultExcludePatterns {
			if strings.Contains(entry.Message, pattern) {
				return nil
			}
		}

		w.handler.BroadcastLog(LogEntry{
			Timestamp: entry.Timestamp.Format("15:04:05"),
			Level:     levelString(arborLevel),
			Message:   entry.Message,
		})
		return nil
	}

	cw, err := writers.NewChannelWriter(config, defaultWebSocketBufferSize, processor)
	if err != nil {
		return nil, err
	}
	cw.Start()

	w.writer = cw
	return w, nil
}

func plogToArborLevel(level plog.Level) levels.LogLevel {
	switch level {
	case plog.ErrorLevel:
		return levels.ErrorLevel
	case plog.WarnLevel:
		return levels.WarnLevel
	case plog.InfoLevel:
		return levels.InfoLevel
	case plog.DebugLevel:
		return levels.DebugLevel
	default:
		return levels.InfoLevel
	}
}

func levelString(level levels.LogLevel) string {
	switch level {
	case levels.ErrorLevel:
		return "error"
	case levels.WarnLevel:
		return "warn"
	case levels.InfoLevel:
		return "info"
	case levels.DebugLevel:
		return "debug"
	default:
		return "info"
	}
}

// Write implements the IWriter interface.
func (w *WebSocketWriter) Write(data []byte) (int, error) {
	return w.writer.Write(data)
}

// WithLevel updates the minimum log level and returns self.
func (w *WebSocketWriter) WithLevel(level plog.Level) writers.IWriter {
	w.minLevel = plogToArborLevel(level)
	return w
}

// GetFilePath returns empty string; this writer is not file-based.
func (w *WebSocketWriter) GetFilePath() string {
	return ""
}

// Close drains the buffer and stops the goroutine.
func (w *WebSocketWriter) Close() error {
	return w.writer.Close()
}
