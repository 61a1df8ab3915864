package obs

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

var (
	mu           sync.Mutex
	base         = log.New(os.Stdout, "", 0)
	debugEnabled bool
)

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	mu.Lock()
	debugEnabled = v
	mu.Unlock()
}

// SetOutput redirects every log line to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	base.SetOutput(w)
	mu.Unlock()
}

type Fields map[string]any

func logWith(level, msg string, bound, f Fields) {
	out := make(Fields, len(bound)+len(f)+3)
	for k, v := range bound {
		out[k] = v
	}
	for k, v := range f {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		out[k] = v
	}
	out["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	out["level"] = level
	out["msg"] = msg
	b, err := json.Marshal(out)
	if err != nil {
		base.Printf("{\"level\":\"error\",\"msg\":\"log marshal failure\",\"err\":%q}", err.Error())
		return
	}
	base.Println(string(b))
}

func debugOn() bool {
	mu.Lock()
	defer mu.Unlock()
	return debugEnabled
}

func Info(msg string, f Fields)  { logWith("info", msg, nil, f) }
func Warn(msg string, f Fields)  { logWith("warn", msg, nil, f) }
func Error(msg string, f Fields) { logWith("error", msg, nil, f) }
func Debug(msg string, f Fields) {
	if debugOn() {
		logWith("debug", msg, nil, f)
	}
}

// Logger stamps a fixed set of fields on every line it writes.
type Logger struct {
	fields Fields
}

// With returns a Logger carrying f. Later calls to With on the result add to f.
func With(f Fields) Logger {
	return Logger{}.With(f)
}

func (l Logger) With(f Fields) Logger {
	merged := make(Fields, len(l.fields)+len(f))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range f {
		merged[k] = v
	}
	return Logger{fields: merged}
}

func (l Logger) Info(msg string, f Fields)  { logWith("info", msg, l.fields, f) }
func (l Logger) Warn(msg string, f Fields)  { logWith("warn", msg, l.fields, f) }
func (l Logger) Error(msg string, f Fields) { logWith("error", msg, l.fields, f) }
func (l Logger) Debug(msg string, f Fields) {
	if debugOn() {
		logWith("debug", msg, l.fields, f)
	}
}
