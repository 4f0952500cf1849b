package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetupJSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithWriter("warn", "json", &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("point", "ahu-1::sat").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info must be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"point":"ahu-1::sat"`) || !strings.Contains(out, `"service":"metasys-connector"`) {
		t.Fatalf("unexpected json line %s", out)
	}
}

func TestSetupUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupWithWriter("verbose", "console", &buf)
	logger.Debug().Msg("debug line")
	logger.Info().Msg("info line")

	out := buf.String()
	if strings.Contains(out, "debug line") || !strings.Contains(out, "info line") {
		t.Fatalf("unexpected console output %q", out)
	}
}
