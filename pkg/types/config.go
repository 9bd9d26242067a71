package types

import "go.uber.org/zap"

// Config holds the options for a Collection.
type Config struct {
	// KeepMissing makes to-many references keep nil placeholders for
	// unresolved targets in their visible lists. Fields can override it
	// through ReferenceOptions.Missing.
	KeepMissing bool `json:"keep_missing" yaml:"keep_missing" mapstructure:"keep_missing"`

	// PatchToken selects the wire token used for CREATE patches by
	// EncodePatch callers. Empty means PatchTokenStandard.
	PatchToken string `json:"patch_token" yaml:"patch_token" mapstructure:"patch_token"`

	// Logger receives debug events. Nil disables logging.
	Logger *zap.Logger `json:"-" yaml:"-" mapstructure:"-"`
}

// Supported patch tokens.
const (
	PatchTokenStandard = "CREATE"
	PatchTokenLegacy   = "CRATE"
)

// Validate checks that the Config is well-formed.
func (c Config) Validate() error {
	switch c.PatchToken {
	case "", PatchTokenStandard, PatchTokenLegacy:
		return nil
	default:
		return ErrPatchTokenUnknown
	}
}

// Log returns the configured logger or a no-op logger.
func (c Config) Log() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
