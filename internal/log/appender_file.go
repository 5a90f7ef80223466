package log

import "gopkg.in/natefinch/lumberjack.v2"

const defaultFileMaxSize = 100

// FileAppenderOpt configures a size-rotated log file.
type FileAppenderOpt struct {
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	LocalTime  bool   `mapstructure:"local_time"`
}

func (m *MultiWriter) AddFileAppender(options FileAppenderOpt) *MultiWriter {
	if options.MaxSize <= 0 {
		options.MaxSize = defaultFileMaxSize
	}
	return m.Add(&lumberjack.Logger{
		Filename:   options.Filename,
		MaxSize:    options.MaxSize, // megabytes
		MaxBackups: options.MaxBackups,
		MaxAge:     options.MaxAge, // days
		Compress:   options.Compress,
		LocalTime:  options.LocalTime,
	})
}
