package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "info", "traditional").With("run", "r1")
	logger.Debug("hidden")
	logger.Info("pair model", "i", 0, "j", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered: %q", out)
	}
	if !strings.Contains(out, "[INFO] pair model [run=r1 i=0 j=2]") {
		t.Fatalf("unexpected format: %q", out)
	}
}

func TestLogHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "debug", "traditional")
	LogPairResult(logger, 1, 3, 50, 44, 4.5, 0.3, nil)
	LogPairResult(logger, 1, 4, 12, 0, 0, 0, errors.New("too few inliers"))
	LogRegistration(logger, 5, 5, 0, 16, errors.New("too few correspondences"))

	out := buf.String()
	for _, want := range []string{"pair model", "angle=4.500", "pair rejected", "camera not registered"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %q", want, out)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{"debug": "DEBUG", "WARNING": "WARN", "error": "ERROR", "": "INFO"}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
