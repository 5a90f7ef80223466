package log

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

type formatter struct {
	pattern string
	time    string
}

// Format expands %time, %level, %field, %msg, %caller, %func, %goroutine and %n.
func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	r := strings.NewReplacer(
		"%time", entry.Time.Format(f.time),
		"%level", entry.Level.String(),
		"%field", buildFields(entry),
		"%msg", entry.Message,
		"%caller", caller(entry),
		"%func", function(entry),
		"%goroutine", goroutineID(),
		"%n", "\n",
	)
	return []byte(r.Replace(f.pattern)), nil
}

// needsCaller reports whether the pattern prints call site details.
func (f *formatter) needsCaller() bool {
	return strings.Contains(f.pattern, "%caller") || strings.Contains(f.pattern, "%func")
}

// caller renders pkg/file.go:line.
func caller(entry *logrus.Entry) string {
	if !entry.HasCaller() {
		return "unknown"
	}
	file := entry.Caller.File
	if i := strings.LastIndex(file, "/"); i >= 0 {
		file = file[i+1:]
	}
	pkg := entry.Caller.Function
	if i := strings.LastIndex(pkg, "/"); i >= 0 {
		pkg = pkg[i+1:]
	}
	if i := strings.Index(pkg, "."); i >= 0 {
		pkg = pkg[:i]
	}
	return fmt.Sprintf("%s/%s:%d", pkg, file, entry.Caller.Line)
}

func function(entry *logrus.Entry) string {
	if !entry.HasCaller() {
		return "unknown"
	}
	name := entry.Caller.Function
	if i := strings.LastIndex(name, "."); i >= 0 && i+1 < len(name) {
		return name[i+1:]
	}
	return name
}

func goroutineID() string {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(strings.TrimPrefix(string(buf[:n]), "goroutine "))
	if len(fields) > 0 {
		return fields[0]
	}
	return "unknown"
}

// buildFields renders entry data as k=v pairs sorted by key.
func buildFields(entry *logrus.Entry) string {
	if len(entry.Data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]string, 0, len(keys))
	for _, k := range keys {
		v := entry.Data[k]
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		fields = append(fields, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(fields, ",")
}
