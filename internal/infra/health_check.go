package infra

import (
	"context"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

const checkExecInterval = 5 * time.Second

// MonitorExecutable closes the returned channel once the running binary is replaced
// on disk, or when ctx ends.
func MonitorExecutable(ctx context.Context) <-chan struct{} {
	return monitorFile(ctx, os.Executable, checkExecInterval)
}

func monitorFile(ctx context.Context, resolve func() (string, error), interval time.Duration) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		defer close(ch)

		path, err := resolve()
		if err != nil {
			log.WithField("error", err.Error()).Warn("cant resolve path for monitor")
			<-ctx.Done()
			return
		}
		stat, err := os.Stat(path)
		if err != nil {
			log.WithField("error", err.Error()).Warn("cant stat file for monitor")
			<-ctx.Done()
			return
		}
		original := stat.ModTime()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stat, err := os.Stat(path)
				if err != nil {
					continue
				}
				if !original.Equal(stat.ModTime()) {
					log.WithField("path", path).Warn("monitored file changed")
					return
				}
			}
		}
	}()
	return ch
}
