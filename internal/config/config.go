package config

import "fmt"

// Config carries the start command's knobs. Flags fill it in cmd/sos.
type Config struct {
	SignalURL string
	Room      string
	Nick      string
	WebPort   int
	DBPath    string
	LogFile   string
}

// DBFile is the ledger path, defaulting to a per-room file so two rooms on
// one machine never share dedup state.
func (c Config) DBFile() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return fmt.Sprintf("sosmesh_%s.db", c.Room)
}
