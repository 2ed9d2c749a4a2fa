package app

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cif-go/cifstore/internal/config"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultLogFile = "logs/cif-httpd.log"

// setupLogging configures the global logrus logger. The returned closer
// flushes the rotating file, if any.
func setupLogging(cfg config.Config) io.Closer {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	setLogLevel(cfg.Trace)

	if !cfg.LoggingToFile {
		log.SetOutput(os.Stdout)
		return nopCloser{}
	}
	path := strings.TrimSpace(cfg.LogFile)
	if path == "" {
		path = defaultLogFile
	}
	if errMkdir := os.MkdirAll(filepath.Dir(path), 0755); errMkdir != nil {
		log.WithError(errMkdir).Warn("create log dir failed, logging to stdout")
		log.SetOutput(os.Stdout)
		return nopCloser{}
	}
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	return rotator
}

func setLogLevel(trace bool) {
	if trace {
		log.SetLevel(log.DebugLevel)
		return
	}
	log.SetLevel(log.InfoLevel)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
