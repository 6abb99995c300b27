// Package config holds the settings of the conversation tree manager and
// loads them from flags, environment and config file through viper.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "convtree"

const (
	KeyStorageDir         = "storage-dir"
	KeyAutoSaveEnabled    = "auto-save"
	KeyAutoSaveInterval   = "auto-save-interval"
	KeyMaxBranchDepth     = "max-branch-depth"
	KeyNodeCacheSize      = "node-cache-size"
	KeyValidateOnLoad     = "validate-on-load"
	KeyValidateAfterMerge = "validate-after-merge"
	KeyHistoryDir         = "history-dir"
	KeyHistoryFormat      = "history-format"
)

type Settings struct {
	StorageDir         string        `yaml:"storage-dir"`
	AutoSaveEnabled    bool          `yaml:"auto-save"`
	AutoSaveInterval   time.Duration `yaml:"auto-save-interval"`
	MaxBranchDepth     int           `yaml:"max-branch-depth"`
	NodeCacheSize      int           `yaml:"node-cache-size"`
	ValidateOnLoad     bool          `yaml:"validate-on-load"`
	ValidateAfterMerge bool          `yaml:"validate-after-merge"`
	HistoryDir         string        `yaml:"history-dir"`
	HistoryFormat      string        `yaml:"history-format"`
}

// DefaultStorageDir is ~/.convtree/conversation-trees, or a relative
// directory if the home directory cannot be determined.
func DefaultStorageDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".convtree", "conversation-trees")
	}
	return filepath.Join(homeDir, ".convtree", "conversation-trees")
}

func NewSettings() *Settings {
	return &Settings{
		StorageDir:         DefaultStorageDir(),
		AutoSaveEnabled:    true,
		AutoSaveInterval:   30 * time.Second,
		MaxBranchDepth:     10,
		NodeCacheSize:      50,
		ValidateOnLoad:     true,
		ValidateAfterMerge: true,
	}
}

// SetDefaults registers the default settings on v.
func SetDefaults(v *viper.Viper) {
	d := NewSettings()
	v.SetDefault(KeyStorageDir, d.StorageDir)
	v.SetDefault(KeyAutoSaveEnabled, d.AutoSaveEnabled)
	v.SetDefault(KeyAutoSaveInterval, d.AutoSaveInterval)
	v.SetDefault(KeyMaxBranchDepth, d.MaxBranchDepth)
	v.SetDefault(KeyNodeCacheSize, d.NodeCacheSize)
	v.SetDefault(KeyValidateOnLoad, d.ValidateOnLoad)
	v.SetDefault(KeyValidateAfterMerge, d.ValidateAfterMerge)
	v.SetDefault(KeyHistoryDir, d.HistoryDir)
	v.SetDefault(KeyHistoryFormat, d.HistoryFormat)
}

// NewSettingsFromViper reads the settings from v, falling back to the
// defaults for unset keys.
func NewSettingsFromViper(v *viper.Viper) (*Settings, error) {
	SetDefaults(v)
	s := &Settings{
		StorageDir:         v.GetString(KeyStorageDir),
		AutoSaveEnabled:    v.GetBool(KeyAutoSaveEnabled),
		AutoSaveInterval:   v.GetDuration(KeyAutoSaveInterval),
		MaxBranchDepth:     v.GetInt(KeyMaxBranchDepth),
		NodeCacheSize:      v.GetInt(KeyNodeCacheSize),
		ValidateOnLoad:     v.GetBool(KeyValidateOnLoad),
		ValidateAfterMerge: v.GetBool(KeyValidateAfterMerge),
		HistoryDir:         v.GetString(KeyHistoryDir),
		HistoryFormat:      v.GetString(KeyHistoryFormat),
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	if s.StorageDir == "" {
		return errors.New("storage-dir must not be empty")
	}
	if s.AutoSaveEnabled && s.AutoSaveInterval <= 0 {
		return errors.Errorf("auto-save-interval must be positive, got %s", s.AutoSaveInterval)
	}
	if s.MaxBranchDepth <= 0 {
		return errors.Errorf("max-branch-depth must be positive, got %d", s.MaxBranchDepth)
	}
	if s.NodeCacheSize < 0 {
		return errors.Errorf("node-cache-size must not be negative, got %d", s.NodeCacheSize)
	}
	return nil
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}
