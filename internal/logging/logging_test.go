package logging

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    Level
		wantErr bool
	}{
		{input: "debug", want: LevelDebug},
		{input: "INFO", want: LevelInfo},
		{input: "", want: LevelInfo},
		{input: "warning", want: LevelWarn},
		{input: "warn", want: LevelWarn},
		{input: "error", want: LevelError},
		{input: "verbose", want: LevelInfo, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf})
	ctx := context.Background()

	logger.Debug(ctx, "debug message")
	logger.Info(ctx, "info message")
	assert.Empty(t, buf.String())

	logger.Warn(ctx, "warn message")
	assert.Contains(t, buf.String(), "warn message")
}

func TestLogger_WithAccumulatesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Output: &buf})

	child := logger.WithComponent("memcache").WithKey("img1")
	child.Info(context.Background(), "hello", "extra", 1)

	out := buf.String()
	assert.Contains(t, out, "component=memcache")
	assert.Contains(t, out, "key=img1")
	assert.Contains(t, out, "extra=1")

	buf.Reset()
	logger.Info(context.Background(), "parent")
	assert.NotContains(t, buf.String(), "component=memcache")
}

func TestLogger_NopAndNil(t *testing.T) {
	ctx := context.Background()
	nop := NewNop()
	require.NotNil(t, nop)
	assert.NotPanics(t, func() {
		nop.With("a", 1).Error(ctx, "dropped")
		LogOperation(ctx, nop, OpFetch, time.Millisecond, errors.New("boom"))
	})

	var nilLogger *Logger
	assert.NotPanics(t, func() {
		nilLogger.Info(ctx, "dropped")
		nilLogger.WithKey("k").Debug(ctx, "dropped")
		LogCacheHit(ctx, nil, "memory", "k")
	})
}

func TestLogOperation(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Output: &buf})
	ctx := context.Background()

	LogOperation(ctx, logger, OpDecode, 5*time.Millisecond, nil)
	assert.Contains(t, buf.String(), "operation completed")
	assert.Contains(t, buf.String(), "success=true")

	buf.Reset()
	LogOperation(ctx, logger, OpFetch, time.Millisecond, errors.New("refused"))
	assert.Contains(t, buf.String(), "operation failed")
	assert.Contains(t, buf.String(), "error=refused")
}
