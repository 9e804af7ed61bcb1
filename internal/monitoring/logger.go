package monitoring

import (
	"fmt"
	"log"
	"strings"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Logw logs event through Logf with its key/value pairs rendered as
// "key=value" fields, for call sites (job lifecycle, track processing
// transitions) that want grep-able structured fields without pulling
// in a separate structured-logging library. kv must have an even
// number of elements; a trailing odd key is dropped.
func Logw(event string, kv ...interface{}) {
	var b strings.Builder
	b.WriteString(event)
	for i := 0; i+1 < len(kv); i += 2 {
		b.WriteByte(' ')
		writeField(&b, kv[i], kv[i+1])
	}
	Logf("%s", b.String())
}

func writeField(b *strings.Builder, key, value interface{}) {
	fmtKey, ok := key.(string)
	if !ok {
		fmtKey = "field"
	}
	b.WriteString(fmtKey)
	b.WriteByte('=')
	writeValue(b, value)
}

func writeValue(b *strings.Builder, value interface{}) {
	switch v := value.(type) {
	case string:
		b.WriteString(v)
	case error:
		b.WriteString(v.Error())
	default:
		b.WriteString(fmt.Sprintf("%v", v))
	}
}
