package config

import "os"

// Override applies command-line values over the loaded file. Empty values
// leave the file's settings in place.
func (c *Config) Override(owner, token string) {
	if owner != "" {
		c.Owner = owner
	}
	if token != "" {
		c.Store.Token = token
	}
}

// EffectiveOwner returns the configured owner, falling back to $USER.
func (c *Config) EffectiveOwner() string {
	if c.Owner != "" {
		return c.Owner
	}
	return os.Getenv("USER")
}
