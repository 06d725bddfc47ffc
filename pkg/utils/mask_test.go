package utils

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaskSensitiveString(t *testing.T) {
	require.Equal(t, "", MaskSensitiveString(""))
	require.Equal(t, "*****", MaskSensitiveString("short"))
	require.Equal(t, "sk-a********wxyz", MaskSensitiveString("sk-abcdefghiwxyz"))
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, parseLevel("warning"))
	require.Equal(t, slog.LevelError, parseLevel(" error "))
	require.Equal(t, slog.LevelInfo, parseLevel(""))
}
