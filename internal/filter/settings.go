package filter

import (
	"github.com/rs/zerolog"
)

// Settings configures the built-in filters. It is usually loaded from YAML.
type Settings struct {
	BlockMethods  BlockSettings  `yaml:"block-methods"`
	RedactSecrets RedactSettings `yaml:"redact-secrets"`
	StampMetadata StampSettings  `yaml:"stamp-metadata"`
}

// BlockSettings configures the method blocker.
type BlockSettings struct {
	Enabled *bool    `yaml:"enabled"`
	Methods []string `yaml:"methods"`
}

// RedactSettings configures the secret redactor.
type RedactSettings struct {
	Enabled  *bool    `yaml:"enabled"`
	Marker   string   `yaml:"marker"`
	Patterns []string `yaml:"patterns"`
	Keys     []string `yaml:"keys"`
}

// StampSettings configures the metadata stamper.
type StampSettings struct {
	Enabled *bool `yaml:"enabled"`
}

func enabledOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// NewDefaultChain builds a chain holding the built-in filters in their
// application order: block-methods, redact-secrets, stamp-metadata.
// block-methods is enabled by default only when methods are configured.
func NewDefaultChain(log zerolog.Logger, s Settings) (*Chain, error) {
	c := NewChain(log)

	c.Register(NameBlockMethods, NewMethodBlocker(s.BlockMethods.Methods),
		WithDescription("drops client requests for blocked methods"),
		WithEnabled(enabledOr(s.BlockMethods.Enabled, len(s.BlockMethods.Methods) > 0)))

	redactor, err := NewRedactor(log, RedactorOptions{
		Marker:   s.RedactSecrets.Marker,
		Patterns: s.RedactSecrets.Patterns,
		Keys:     s.RedactSecrets.Keys,
		OnRedact: c.stats.AddRedactions,
	})
	if err != nil {
		return nil, err
	}
	c.Register(NameRedactSecrets, redactor,
		WithDescription("replaces secret-shaped strings with a fixed marker"),
		WithEnabled(enabledOr(s.RedactSecrets.Enabled, true)))

	c.Register(NameStampMetadata, Stamper{},
		WithDescription("adds bridge_meta with timestamp, direction and session"),
		WithEnabled(enabledOr(s.StampMetadata.Enabled, true)))
	return c, nil
}
