package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// TopicOverride adjusts a registered topic without code changes.
// Zero fields leave the code-level setting alone.
type TopicOverride struct {
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// LoadTopicOverrides reads the "topics" map from a YAML file:
//
//	topics:
//	  image.resize:
//	    concurrency: 2
//	    timeout: 90s
//	    max_attempts: 4
//
// An empty path yields no overrides.
func LoadTopicOverrides(path string) (map[string]TopicOverride, error) {
	out := map[string]TopicOverride{}
	if path == "" {
		return out, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read topics file %s", path)
	}
	if err := v.UnmarshalKey("topics", &out); err != nil {
		return nil, errors.Wrapf(err, "decode topics file %s", path)
	}
	return out, nil
}
