package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	colorRed         = 31
	colorGreen       = 32
	colorYellow      = 33
	colorBlue        = 36
	colorGray        = 37
	colorLightGreen  = 92
	colorLightYellow = 93
	colorCyan        = 96
)

// LogFormatter prints one logfmt-like line per entry. The object field leads,
// the error field trails, everything else is sorted by key.
type LogFormatter struct {
	NoColor bool
}

func (f *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	var b strings.Builder

	f.pair(&b, "level", f.paint(levelColor(entry.Level), strings.ToUpper(entry.Level.String())[:4]))
	f.pair(&b, "ts", f.paint(colorLightYellow, entry.Time.Format("2006-01-02 15:04:05.000")))
	if entry.HasCaller() {
		source := fmt.Sprintf("%s:%d", filepath.Base(entry.Caller.File), entry.Caller.Line)
		f.pair(&b, "source", f.paint(colorLightYellow, source))
	}

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k == "object" || k == log.ErrorKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if _, ok := entry.Data["object"]; ok {
		keys = append([]string{"object"}, keys...)
	}
	if _, ok := entry.Data[log.ErrorKey]; ok {
		keys = append(keys, log.ErrorKey)
	}

	for _, k := range keys {
		s := formatValue(entry.Data[k])
		if s == "" {
			continue
		}
		f.pair(&b, k, f.paint(valueColor(s), s))
	}
	f.pair(&b, "msg", f.paint(colorLightGreen, strconv.Quote(entry.Message)))

	out := strings.NewReplacer("\r", "\\r", "\n", "\\n").Replace(b.String())
	return []byte(out + "\n"), nil
}

func (f *LogFormatter) pair(b *strings.Builder, key, value string) {
	if b.Len() > 0 {
		b.WriteByte(' ')
	}
	b.WriteString(f.paint(colorCyan, key))
	b.WriteByte('=')
	b.WriteString(value)
}

func (f *LogFormatter) paint(color int, s string) string {
	if f.NoColor {
		return s
	}
	return fmt.Sprintf("\x1b[%dm%s\x1b[0m", color, s)
}

func formatValue(val any) string {
	if err, ok := val.(error); ok {
		val = err.Error()
	}
	m, err := json.Marshal(val)
	if err != nil {
		return fmt.Sprint(val)
	}
	return string(m)
}

func levelColor(level log.Level) int {
	switch level {
	case log.DebugLevel, log.TraceLevel:
		return colorGray
	case log.WarnLevel:
		return colorYellow
	case log.ErrorLevel, log.FatalLevel, log.PanicLevel:
		return colorRed
	}
	return colorBlue
}

func valueColor(s string) int {
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return colorGreen
	}
	if strings.HasPrefix(s, "\"") && strings.HasSuffix(s, "\"") {
		return colorLightYellow
	}
	return colorCyan
}
