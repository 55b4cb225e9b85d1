package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestFromContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithContext(context.Background(), base)
	log := FromContext(ctx)
	log.Warn().Str("check", "roundtrip").Msg("context logger")

	out := buf.String()
	if !strings.Contains(out, `"check":"roundtrip"`) || !strings.Contains(out, "context logger") {
		t.Errorf("output = %q", out)
	}
}

func TestFromContextWithoutLoggerIsDisabled(t *testing.T) {
	log := FromContext(context.Background())
	if log.GetLevel() != zerolog.Disabled {
		t.Errorf("level = %v, want disabled", log.GetLevel())
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-42")
	if got := GetRequestID(ctx); got != "req-42" {
		t.Errorf("GetRequestID = %q, want req-42", got)
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID on empty context = %q, want empty", got)
	}
}

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"alice@example.com", "al***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"not-an-email", "[redacted]"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := RedactEmail(tt.in); got != tt.want {
			t.Errorf("RedactEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
