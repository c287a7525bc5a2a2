package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NoticeLevel sits below DebugLevel for non-error audit records.
const NoticeLevel zapcore.Level = -2

// auditEntry is a single record shipped to the log collector.
type auditEntry struct {
	Timestamp  string         `json:"timestamp"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	TraceID    string         `json:"traceID"`
	Layer      string         `json:"layer"`
	Error      string         `json:"error,omitempty"`
	Attributes map[string]any `json:"attributes"`
}

type StreamerConfig struct {
	Environment string
	SourceToken string
	UploadURL   string
	// FilePath receives JSON lines in development.
	FilePath string
}

// Streamer records lifecycle audit logs to a file (development) or a
// Better Stack compatible HTTP collector (production), and mirrors each
// record to zap.
type Streamer struct {
	cfg        StreamerConfig
	logger     *zap.Logger
	client     *http.Client
	fileWriter io.Writer
	fileMu     sync.Mutex
	inflight   sync.WaitGroup
}

// NewStreamer creates a Streamer for the configured environment.
func NewStreamer(cfg StreamerConfig, logger *zap.Logger) *Streamer {
	s := &Streamer{cfg: cfg, logger: logger}

	if cfg.Environment == "development" {
		path := cfg.FilePath
		if path == "" {
			path = "logs/audit.log"
		}
		os.MkdirAll(filepath.Dir(path), 0o755)
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Error("Failed to open audit log file", zap.Error(err))
			s.fileWriter = os.Stderr
		} else {
			s.fileWriter = f
		}
	}

	if cfg.Environment == "production" && cfg.UploadURL != "" {
		s.client = &http.Client{Timeout: 10 * time.Second}
	}
	return s
}

func levelName(level zapcore.Level) string {
	switch level {
	case zapcore.ErrorLevel:
		return "ERROR"
	case zapcore.WarnLevel:
		return "WARN"
	case zapcore.InfoLevel:
		return "INFO"
	case NoticeLevel:
		return "NOTICE"
	case zapcore.DebugLevel:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Log streams one audit record. Records without a trace id are dropped.
func (s *Streamer) Log(level zapcore.Level, traceID string, message string, attributes map[string]any, layer string, err error) {
	if traceID == "" {
		return
	}
	if attributes == nil {
		attributes = make(map[string]any)
	}

	entry := auditEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      levelName(level),
		Message:    message,
		TraceID:    traceID,
		Layer:      layer,
		Attributes: attributes,
	}
	if err != nil {
		entry.Error = err.Error()
	}

	body, marshalErr := json.Marshal(entry)
	if marshalErr != nil {
		s.logger.Error("Failed to marshal audit log", zap.Error(marshalErr))
		return
	}

	switch {
	case s.fileWriter != nil:
		s.fileMu.Lock()
		if _, writeErr := s.fileWriter.Write(append(body, '\n')); writeErr != nil {
			s.logger.Error("Failed to write audit log", zap.Error(writeErr))
		}
		s.fileMu.Unlock()
	case s.client != nil:
		s.send(body)
	}

	s.logger.Log(level, message, zap.String("trace_id", traceID), zap.String("layer", layer), zap.Any("attributes", attributes))
}

func (s *Streamer) send(body []byte) {
	req, err := http.NewRequest(http.MethodPost, s.cfg.UploadURL, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("Failed to create audit request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.SourceToken)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		resp, err := s.client.Do(req)
		if err != nil {
			s.logger.Error("Failed to send audit log", zap.Error(err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			s.logger.Error("Unexpected response from log collector", zap.String("status", resp.Status))
		}
	}()
}

// Flush waits for in-flight uploads.
func (s *Streamer) Flush() {
	s.inflight.Wait()
}
