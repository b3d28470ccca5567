package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

type Config struct {
	// Directory holding the files a peer shares.
	StorageDir string `mapstructure:"storage_dir"`
	// Directory downloaded files are written to.
	DownloadDir string `mapstructure:"download_dir"`
	// Bencoded manifest of shared files.
	MetaFilePath string `mapstructure:"meta_file_path"`
	PieceSize    int    `mapstructure:"piece_size"`
	BufferSize   int    `mapstructure:"buffer_size"`
	MessageSize  int    `mapstructure:"message_size"`

	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	LogLevel slog.Level `mapstructure:"log_level"`
}

func Default() Config {
	return Config{
		StorageDir:   "box/data",
		DownloadDir:  "downloaded",
		MetaFilePath: "box/meta.torrent",
		PieceSize:    1024,
		BufferSize:   1024,
		MessageSize:  1024,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  10 * time.Second,
		LogLevel:     slog.LevelInfo,
	}
}

// Load returns the defaults overlaid with the JSON object stored at path.
// An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	raw := make(map[string]any)
	if err := json.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	return Decode(raw, cfg)
}

// Decode overlays raw onto base. Durations accept strings such as "5s".
func Decode(raw map[string]any, base Config) (Config, error) {
	cfg := base
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToLevelHookFunc(),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &cfg,
	})
	if err != nil {
		return base, err
	}

	if err := decoder.Decode(raw); err != nil {
		return base, fmt.Errorf("decode config: %w", err)
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.PieceSize <= 0:
		return fmt.Errorf("piece_size must be positive, got %d", c.PieceSize)
	case c.BufferSize <= 0:
		return fmt.Errorf("buffer_size must be positive, got %d", c.BufferSize)
	case c.MessageSize <= 0:
		return fmt.Errorf("message_size must be positive, got %d", c.MessageSize)
	}
	return nil
}

func stringToLevelHookFunc() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(slog.Level(0)) {
			return data, nil
		}
		var level slog.Level
		if err := level.UnmarshalText([]byte(data.(string))); err != nil {
			return nil, err
		}
		return level, nil
	}
}
