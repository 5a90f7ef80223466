package log

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mitchellh/mapstructure"
)

const (
	AppenderConsole = "console"
	AppenderFile    = "file"
	AppenderLoki    = "loki"
)

// MultiWriter fans one formatted line out to every appender.
type MultiWriter struct {
	writers []io.Writer
}

func NewMultiWriter() *MultiWriter {
	return &MultiWriter{writers: make([]io.Writer, 0)}
}

func (m *MultiWriter) Write(p []byte) (n int, err error) {
	for _, w := range m.writers {
		if _, e := w.Write(p); e != nil {
			err = e
		}
	}
	return len(p), err
}

func (m *MultiWriter) Add(writer io.Writer) *MultiWriter {
	m.writers = append(m.writers, writer)
	return m
}

// Close closes every appender that holds a resource.
func (m *MultiWriter) Close() error {
	var errs []error
	for _, w := range m.writers {
		if w == os.Stdout || w == os.Stderr {
			continue
		}
		if c, ok := w.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

type ConsoleAppenderOpt struct {
	Stream string `mapstructure:"stream"`
}

func (m *MultiWriter) AddConsoleAppender(options ConsoleAppenderOpt) *MultiWriter {
	if options.Stream == "stderr" {
		return m.Add(os.Stderr)
	}
	return m.Add(os.Stdout)
}

// AddAppender decodes cfg.Options for cfg.Type and attaches the appender.
func (m *MultiWriter) AddAppender(cfg AppenderConfig) error {
	switch cfg.Type {
	case AppenderConsole, "":
		var opt ConsoleAppenderOpt
		if err := decodeOptions(cfg.Options, &opt); err != nil {
			return err
		}
		m.AddConsoleAppender(opt)
	case AppenderFile:
		var opt FileAppenderOpt
		if err := decodeOptions(cfg.Options, &opt); err != nil {
			return err
		}
		if opt.Filename == "" {
			return fmt.Errorf("file appender: filename is required")
		}
		m.AddFileAppender(opt)
	case AppenderLoki:
		var opt LokiAppenderOpt
		if err := decodeOptions(cfg.Options, &opt); err != nil {
			return err
		}
		if _, err := m.AddLokiAppender(opt); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown appender type %q", cfg.Type)
	}
	return nil
}

func decodeOptions(in map[string]interface{}, out interface{}) error {
	if len(in) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}
