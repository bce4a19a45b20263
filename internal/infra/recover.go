package infra

import (
	"fmt"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
)

// GoRecoverable runs f and restarts it in a new goroutine after a panic. A negative
// maxPanics never gives up; zero exits the process on the next panic.
func GoRecoverable(maxPanics int, id string, f func()) {
	defer func() {
		if err := recover(); err != nil {
			entry := log.WithFields(log.Fields{
				"job":    id,
				"panic":  fmt.Sprint(err),
				"source": identifyPanic(),
			})
			entry.Error("job panicked")
			if maxPanics == 0 {
				entry.Fatal("panics limit exceeded, exiting")
			}
			if maxPanics > 0 {
				maxPanics--
			}
			entry.WithField("panics_left", maxPanics).Debug("restarting job")
			go GoRecoverable(maxPanics, id, f)
		}
	}()
	f()
}

// RunProtected runs f once and reports whether it panicked. The panic is logged and swallowed.
func RunProtected(id string, f func()) (panicked bool) {
	defer func() {
		if err := recover(); err != nil {
			panicked = true
			log.WithFields(log.Fields{
				"job":    id,
				"panic":  fmt.Sprint(err),
				"source": identifyPanic(),
			}).Error("recovered from panic")
		}
	}()
	f()
	return false
}

func identifyPanic() string {
	var name, file string
	var line int
	var pc [16]uintptr

	n := runtime.Callers(3, pc[:])
	for _, pc := range pc[:n] {
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		file, line = fn.FileLine(pc)
		name = fn.Name()
		if !strings.HasPrefix(name, "runtime.") {
			break
		}
	}

	switch {
	case name != "":
		return fmt.Sprintf("%v:%v", name, line)
	case file != "":
		return fmt.Sprintf("%v:%v", file, line)
	}

	return fmt.Sprintf("pc:%x", pc)
}
