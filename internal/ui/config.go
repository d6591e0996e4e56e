package ui

// Config contains window/input/audio related settings.
type Config struct {
	Title           string // window title
	Scale           int    // integer upscaling factor
	AudioLowLatency bool   // hard-cap audio buffering for minimal latency
}

// Defaults fills missing fields with reasonable defaults.
func (c *Config) Defaults() {
	if c.Title == "" {
		c.Title = "dmgo"
	}
	if c.Scale <= 0 {
		c.Scale = 3
	}
}
