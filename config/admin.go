package config

// AdminConfig defines the listen address of the operator API.
type AdminConfig struct {
	Addr string `json:"addr"`
}

// SetDefaults applies sane defaults.
func (c *AdminConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
}
