package config

import (
	"os"
	"path/filepath"
	"reflect"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const configFileName = "gridmover"

// Config holds the configuration options for the application.
type Config struct {
	BlockSize       *BlockSizeConfig `yaml:"blockSize,omitempty"`
	BufferSize      int              `yaml:"bufferSize,omitempty"`
	Parallelism     int              `yaml:"parallelism,omitempty"`
	ReadAhead       int64            `yaml:"readAhead,omitempty"`
	SpaceIncrement  int64            `yaml:"spaceIncrement,omitempty"`
	Port            int              `yaml:"port,omitempty"`
	DigestBlockSize int              `yaml:"digestBlockSize,omitempty"`
	HistoryDB       string           `yaml:"historyDB,omitempty"`
	LogFile         string           `yaml:"logFile,omitempty"`
}

// BlockSizeConfig holds the block size for each transfer mode.
type BlockSizeConfig struct {
	Stream        int `yaml:"s,omitempty"`
	ExtendedBlock int `yaml:"e,omitempty"`
	FlowBlock     int `yaml:"x,omitempty"`
}

// ForMode returns the block size for the mode letter, or 0 if the letter is unknown.
func (b *BlockSizeConfig) ForMode(letter string) int {
	switch letter {
	case "S", "s":
		return b.Stream
	case "E", "e":
		return b.ExtendedBlock
	case "X", "x":
		return b.FlowBlock
	default:
		return 0
	}
}

// GetConfig reads the configuration file and returns a Config struct.
// If the configuration file does not exist, it returns the default configuration.
func GetConfig() (*Config, error) {
	configFilePath := filepath.Join(xdg.ConfigHome, configFileName)
	defaults := DefaultConfig()

	b, err := os.ReadFile(configFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults, nil
		}

		return nil, err
	}

	if len(b) == 0 {
		return &defaults, nil
	}

	var cfg Config

	err = yaml.Unmarshal(b, &cfg)
	if err != nil {
		return nil, err
	}

	blockCfg := zeroOr(cfg.BlockSize, defaults.BlockSize)

	return &Config{
		BlockSize: &BlockSizeConfig{
			Stream:        zeroOr(blockCfg.Stream, defaults.BlockSize.Stream),
			ExtendedBlock: zeroOr(blockCfg.ExtendedBlock, defaults.BlockSize.ExtendedBlock),
			FlowBlock:     zeroOr(blockCfg.FlowBlock, defaults.BlockSize.FlowBlock),
		},
		BufferSize:      cfg.BufferSize,
		Parallelism:     zeroOr(cfg.Parallelism, defaults.Parallelism),
		ReadAhead:       cfg.ReadAhead,
		SpaceIncrement:  zeroOr(cfg.SpaceIncrement, defaults.SpaceIncrement),
		Port:            zeroOr(cfg.Port, defaults.Port),
		DigestBlockSize: zeroOr(cfg.DigestBlockSize, defaults.DigestBlockSize),
		HistoryDB:       zeroOr(cfg.HistoryDB, defaults.HistoryDB),
		LogFile:         zeroOr(cfg.LogFile, defaults.LogFile),
	}, nil
}

func DefaultConfig() Config {
	return Config{
		BlockSize: &BlockSizeConfig{
			Stream:        streamBlockSize,
			ExtendedBlock: extendedBlockSize,
			FlowBlock:     flowBlockSize,
		},
		BufferSize:      bufferSize,
		Parallelism:     parallelism,
		ReadAhead:       readAhead,
		SpaceIncrement:  spaceIncrement,
		Port:            port,
		DigestBlockSize: digestBlockSize,
		HistoryDB:       historyDB,
		LogFile:         logFile,
	}
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}
