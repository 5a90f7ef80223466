package log

const (
	DefaultPattern    = "%time [%level] %field %msg%n"
	DefaultTimeLayout = "2006-01-02 15:04:05.000"
	DefaultLevel      = "info"
)

// LoggerConfig is the logger section of the inspector configuration.
type LoggerConfig struct {
	Level     string           `mapstructure:"level" yaml:"level"`
	Pattern   string           `mapstructure:"pattern" yaml:"pattern"`
	Time      string           `mapstructure:"time" yaml:"time"`
	Appenders []AppenderConfig `mapstructure:"appenders" yaml:"appenders"`
}

// AppenderConfig selects one output. Options are decoded per type.
type AppenderConfig struct {
	Type    string                 `mapstructure:"type" yaml:"type"`
	Options map[string]interface{} `mapstructure:"options" yaml:"options,omitempty"`
}

// ApplyDefaults fills empty fields. A config without appenders logs to the console.
func (c *LoggerConfig) ApplyDefaults() {
	if c.Level == "" {
		c.Level = DefaultLevel
	}
	if c.Pattern == "" {
		c.Pattern = DefaultPattern
	}
	if c.Time == "" {
		c.Time = DefaultTimeLayout
	}
	if len(c.Appenders) == 0 {
		c.Appenders = []AppenderConfig{{Type: AppenderConsole}}
	}
}
