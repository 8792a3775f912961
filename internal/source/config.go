package source

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/sentinel/internal/news"
)

// KindHTML selects the CSS-selector scraper.
const KindHTML = "html"

// Config is the sources file layout.
type Config struct {
	Sources []Spec `yaml:"sources"`
}

// Spec describes one source. Selectors are evaluated relative to Item.
type Spec struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"`
	URL        string `yaml:"url"`
	Item       string `yaml:"item"`
	Title      string `yaml:"title"`
	Body       string `yaml:"body"`
	Link       string `yaml:"link"`
	Time       string `yaml:"time"`
	TimeAttr   string `yaml:"time_attr"`
	TimeLayout string `yaml:"time_layout"`
	Timezone   string `yaml:"timezone"`
	UserAgent  string `yaml:"user_agent"`
}

// Validate reports missing required fields.
func (s Spec) Validate() error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if s.URL == "" {
		errs = append(errs, errors.New("url is required"))
	}
	if s.Kind != "" && s.Kind != KindHTML {
		errs = append(errs, fmt.Errorf("unsupported kind %q", s.Kind))
	}
	if s.Item == "" {
		errs = append(errs, errors.New("item selector is required"))
	}
	if s.Title == "" {
		errs = append(errs, errors.New("title selector is required"))
	}
	if s.Time != "" && s.TimeLayout == "" {
		errs = append(errs, errors.New("time_layout is required with a time selector"))
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Load reads and validates a sources file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is from trusted config
	if err != nil {
		return Config{}, fmt.Errorf("read sources: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse sources %s: %w", path, err)
	}
	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if err := s.Validate(); err != nil {
			return Config{}, fmt.Errorf("source %d (%s): %w", i, s.Name, err)
		}
		if seen[s.Name] {
			return Config{}, fmt.Errorf("source %d: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
	}
	return c, nil
}

// Build turns specs into sources in file order. A nil client gets a default.
func Build(c Config, client *http.Client) ([]news.Source, error) {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	out := make([]news.Source, 0, len(c.Sources))
	for _, s := range c.Sources {
		src, err := NewHTML(s, client)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", s.Name, err)
		}
		out = append(out, src)
	}
	return out, nil
}
