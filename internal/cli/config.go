package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/mesh-intelligence/entitygraph/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	configFileExt  = "config.yaml"

	cfgKeySchema      = "schema"
	cfgKeyKeepMissing = "keep_missing"
	cfgKeyPatchToken  = "patch_token"

	defaultSchema = "schema.yaml"
)

// defaultConfigYAML is the content written to config.yaml on first run.
const defaultConfigYAML = `# entitygraph configuration

# Schema file, relative to this directory unless absolute.
schema: schema.yaml

# Keep nil placeholders for unresolved to-many targets.
keep_missing: false

# Token written for CREATE patches: CREATE or CRATE.
patch_token: CREATE
`

// loadConfig reads config.yaml from configDir using Viper. It creates the
// directory and a default config.yaml on first run.
func loadConfig(configDir string) (*viper.Viper, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure config dir: %w", err)
	}
	if err := ensureDefaultConfigFile(configDir); err != nil {
		return nil, fmt.Errorf("ensure default config: %w", err)
	}

	v := viper.New()
	v.SetDefault(cfgKeySchema, defaultSchema)
	v.SetDefault(cfgKeyKeepMissing, false)
	v.SetDefault(cfgKeyPatchToken, types.PatchTokenStandard)
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return v, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

func ensureDefaultConfigFile(configDir string) error {
	path := filepath.Join(configDir, configFileExt)

	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}

// collectionConfig builds the collection options from the loaded config.
func (e *env) collectionConfig() (types.Config, error) {
	cfg := types.Config{
		KeepMissing: e.cfg.GetBool(cfgKeyKeepMissing),
		PatchToken:  e.cfg.GetString(cfgKeyPatchToken),
		Logger:      e.log,
	}
	if err := cfg.Validate(); err != nil {
		return types.Config{}, fmt.Errorf("%s %q: %w", cfgKeyPatchToken, cfg.PatchToken, err)
	}
	return cfg, nil
}
