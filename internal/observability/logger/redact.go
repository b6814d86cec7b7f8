package logger

import (
	"github.com/smallbiznis/yapepro/internal/audit/masking"
	"go.uber.org/zap/zapcore"
)

// payerFields never reach the log sink in clear text.
var payerFields = map[string]struct{}{
	"sender_phone": {},
	"sender_name":  {},
	"raw_payload":  {},
}

type redactCore struct {
	zapcore.Core
}

func newRedactCore(core zapcore.Core) zapcore.Core {
	return &redactCore{Core: core}
}

func (c *redactCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactCore{Core: c.Core.With(redactFields(fields))}
}

func (c *redactCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *redactCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(entry, redactFields(fields))
}

func redactFields(fields []zapcore.Field) []zapcore.Field {
	var out []zapcore.Field
	for i, f := range fields {
		if _, ok := payerFields[f.Key]; !ok {
			continue
		}
		if out == nil {
			out = append([]zapcore.Field(nil), fields...)
		}
		masked := ""
		if f.Type == zapcore.StringType {
			masked = masking.MaskSecret(f.String)
		}
		out[i] = zapcore.Field{Key: f.Key, Type: zapcore.StringType, String: masked}
	}
	if out == nil {
		return fields
	}
	return out
}
