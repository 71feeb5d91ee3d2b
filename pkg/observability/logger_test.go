package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func decodeLogLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to unmarshal log entry %q: %v", buf.String(), err)
	}
	return entry
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	t.Run("debug not logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Debug("debug message")
		if buf.Len() > 0 {
			t.Error("Debug message should not be logged at Info level")
		}
	})

	t.Run("info logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Info("info message")
		if buf.Len() == 0 {
			t.Fatal("Info message should be logged at Info level")
		}

		entry := decodeLogLine(t, &buf)
		if entry["level"] != "INFO" {
			t.Errorf("Expected level INFO, got %v", entry["level"])
		}
		if entry["msg"] != "info message" {
			t.Errorf("Expected message 'info message', got %v", entry["msg"])
		}
	})

	t.Run("warn logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Warn("warn message")
		if buf.Len() == 0 {
			t.Error("Warn message should be logged at Info level")
		}
	})

	t.Run("error logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Error("error message")
		if buf.Len() == 0 {
			t.Error("Error message should be logged at Info level")
		}
	})
}

func TestLogger_WithField(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithField("tenant_id", "acme").Info("message")

	entry := decodeLogLine(t, &buf)
	if entry["tenant_id"] != "acme" {
		t.Errorf("Expected field 'tenant_id' to be 'acme', got %v", entry["tenant_id"])
	}
}

func TestLogger_WithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithFields(map[string]interface{}{
		"provider": "saml",
		"expired":  42,
	}).Info("message")

	entry := decodeLogLine(t, &buf)
	if entry["provider"] != "saml" {
		t.Errorf("Expected field 'provider' to be 'saml', got %v", entry["provider"])
	}
	if entry["expired"] != float64(42) {
		t.Errorf("Expected field 'expired' to be 42, got %v", entry["expired"])
	}
}

func TestLogger_WithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	t.Run("error attaches field", func(t *testing.T) {
		buf.Reset()
		logger.WithError(errors.New("boom")).Error("something went wrong")

		entry := decodeLogLine(t, &buf)
		if entry["error"] != "boom" {
			t.Errorf("Expected error field 'boom', got %v", entry["error"])
		}
	})

	t.Run("nil error is a no-op", func(t *testing.T) {
		buf.Reset()
		logger.WithError(nil).Error("no underlying error")

		entry := decodeLogLine(t, &buf)
		if _, exists := entry["error"]; exists {
			t.Error("Expected no error field for nil error")
		}
	})
}

func TestLogger_Formatters(t *testing.T) {
	var buf bytes.Buffer

	tests := []struct {
		name string
		log  func(l *Logger)
		want string
	}{
		{"Debugf", func(l *Logger) { l.Debugf("swept %d sessions", 3) }, "swept 3 sessions"},
		{"Infof", func(l *Logger) { l.Infof("listening on %d", 8080) }, "listening on 8080"},
		{"Warnf", func(l *Logger) { l.Warnf("certificate expires in %dd", 14) }, "certificate expires in 14d"},
		{"Errorf", func(l *Logger) { l.Errorf("sweep failed: %v", "timeout") }, "sweep failed: timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.log(NewLogger(DebugLevel, &buf))

			entry := decodeLogLine(t, &buf)
			if entry["msg"] != tt.want {
				t.Errorf("Expected message %q, got %v", tt.want, entry["msg"])
			}
		})
	}
}

func TestContextHelpers(t *testing.T) {
	t.Run("RequestID", func(t *testing.T) {
		ctx := WithRequestID(context.Background(), "req-123")
		if got := GetRequestID(ctx); got != "req-123" {
			t.Errorf("Expected request ID 'req-123', got %s", got)
		}
		if got := GetRequestID(context.Background()); got != "" {
			t.Errorf("Expected empty request ID, got %s", got)
		}
	})

	t.Run("TenantID", func(t *testing.T) {
		ctx := WithTenantID(context.Background(), "acme")
		if got := GetTenantID(ctx); got != "acme" {
			t.Errorf("Expected tenant ID 'acme', got %s", got)
		}
		if got := GetTenantID(context.Background()); got != "" {
			t.Errorf("Expected empty tenant ID, got %s", got)
		}
	})

	t.Run("UserID", func(t *testing.T) {
		ctx := WithUserID(context.Background(), "user-456")
		if got := GetUserID(ctx); got != "user-456" {
			t.Errorf("Expected user ID 'user-456', got %s", got)
		}
	})

	t.Run("GetLogger falls back to a default", func(t *testing.T) {
		if GetLogger(context.Background()) == nil {
			t.Error("Expected a fallback logger")
		}
	})
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	ctx := WithLogger(context.Background(), logger)
	ctx = WithRequestID(ctx, "req-123")
	ctx = WithTenantID(ctx, "acme")
	ctx = WithUserID(ctx, "user-456")

	FromContext(ctx).Info("test message")

	entry := decodeLogLine(t, &buf)
	if entry["request_id"] != "req-123" {
		t.Errorf("Expected request_id 'req-123', got %v", entry["request_id"])
	}
	if entry["tenant_id"] != "acme" {
		t.Errorf("Expected tenant_id 'acme', got %v", entry["tenant_id"])
	}
	if entry["user_id"] != "user-456" {
		t.Errorf("Expected user_id 'user-456', got %v", entry["user_id"])
	}
}

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  string
	}{
		{DebugLevel, "DEBUG"},
		{InfoLevel, "INFO"},
		{WarnLevel, "WARN"},
		{ErrorLevel, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("LogLevel.String() = %v, want %v", got, tt.want)
			}
		})
	}
}
