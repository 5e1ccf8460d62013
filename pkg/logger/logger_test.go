package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newBufferLogger(buffer *bytes.Buffer) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.MessageKey = "msg"

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(buffer), // 写入 buffer 而不是控制台
		level,
	)
	return zap.New(core)
}

func TestLogger_Info_WithTraceAndRequestID(t *testing.T) {
	buffer := &bytes.Buffer{}
	Log = newBufferLogger(buffer)
	SetLevel("info")

	ctx := context.WithValue(context.Background(), TraceIdKey, "trace-12345")
	ctx = context.WithValue(ctx, RequestIdKey, "req-1")

	Info(ctx, "session opened", zap.String("session_id", "s-1"), zap.Int("topics", 2))

	var logEntry map[string]interface{}
	err := json.Unmarshal(buffer.Bytes(), &logEntry)
	assert.NoError(t, err, "日志输出必须是合法的 JSON")

	assert.Equal(t, "info", logEntry["level"])
	assert.Equal(t, "session opened", logEntry["msg"])
	assert.Equal(t, "s-1", logEntry["session_id"])
	assert.Equal(t, float64(2), logEntry["topics"])
	assert.Equal(t, "trace-12345", logEntry["trace_id"])
	assert.Equal(t, "req-1", logEntry["request_id"])
}

func TestLogger_Error_NoTraceID(t *testing.T) {
	buffer := &bytes.Buffer{}
	Log = newBufferLogger(buffer)

	Error(context.Background(), "bus publish failed", zap.String("topic", "market-data:AAPL"))

	var logEntry map[string]interface{}
	_ = json.Unmarshal(buffer.Bytes(), &logEntry)

	_, exists := logEntry["trace_id"]
	assert.False(t, exists, "没有 TraceID 的 Context 不应该输出 trace_id 字段")
	assert.Equal(t, "error", logEntry["level"])
}

func TestSetLevel_RuntimeChange(t *testing.T) {
	buffer := &bytes.Buffer{}
	Log = newBufferLogger(buffer)
	defer SetLevel("info")

	SetLevel("warn")
	Info(context.Background(), "dropped")
	assert.Zero(t, buffer.Len())

	SetLevel("not-a-level")
	assert.Equal(t, zapcore.WarnLevel, Level(), "非法级别保持原值")

	SetLevel("debug")
	Debug(context.Background(), "kept")
	assert.NotZero(t, buffer.Len())
}

func TestLogger_TraceIDFromSpanContext(t *testing.T) {
	buffer := &bytes.Buffer{}
	Log = newBufferLogger(buffer)
	SetLevel("info")

	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
	// span 和 ctx value 同时存在时以 span 为准
	ctx := context.WithValue(context.Background(), TraceIdKey, "trace-12345")
	ctx = trace.ContextWithSpanContext(ctx, sc)

	Info(ctx, "publish accepted")

	var logEntry map[string]interface{}
	assert.NoError(t, json.Unmarshal(buffer.Bytes(), &logEntry))
	assert.Equal(t, tid.String(), logEntry["trace_id"])
}
