package collector

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Config describes the telemetry feeds to subscribe to.
type Config struct {
	ServerURL  string `yaml:"serverURL"`
	AdapterSet string `yaml:"adapterSet"`
	CID        string `yaml:"cid"`
	Feeds      []Feed `yaml:"feeds"`
}

// Feed is one subscribed item group.
type Feed struct {
	Group  string   `yaml:"group"`
	Fields []string `yaml:"fields"`
}

// LoadConfig reads a yaml configuration.
func LoadConfig(r io.Reader) (Config, error) {
	var cfg Config
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	if len(cfg.Feeds) == 0 {
		return Config{}, fmt.Errorf("invalid configuration: no feeds")
	}
	for i, feed := range cfg.Feeds {
		if feed.Group == "" {
			return Config{}, fmt.Errorf("invalid configuration: feed %d has no group", i+1)
		}
		if len(feed.Fields) == 0 {
			cfg.Feeds[i].Fields = []string{"Value"}
		}
	}
	return cfg, nil
}

// DefaultConfig subscribes to a handful of ISS live telemetry feeds.
func DefaultConfig() Config {
	return Config{
		AdapterSet: "ISSLIVE",
		CID:        "mgQkwtwdysogQz2BJ4Ji kOj2Bg",
		Feeds: []Feed{
			{Group: "NODE3000005", Fields: []string{"Value"}},   // Urine Tank Qty
			{Group: "NODE3000008", Fields: []string{"Value"}},   // Waste Water Tank Qty
			{Group: "NODE3000009", Fields: []string{"Value"}},   // Clean Water Tank Qty
			{Group: "NODE3000011", Fields: []string{"Value"}},   // O2 production rate
			{Group: "USLAB000058", Fields: []string{"Value"}},   // cabin pressure
			{Group: "USLAB000059", Fields: []string{"Value"}},   // cabin temperature
			{Group: "AIRLOCK000049", Fields: []string{"Value"}}, // crewlock pressure
		},
	}
}
