package zerobuffer

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/modelingevolution/zerobuffer-sub004/internal/wire"
	"github.com/modelingevolution/zerobuffer-sub004/platform"
)

// MaxNameLength is the maximum length of a channel name.
const MaxNameLength = 255

var validName = regexp.MustCompile(`^[\x21-\x7E]+$`)

// ValidateName enforces the channel-name rules: printable,
// no path separators, no whitespace, at most 255 bytes, case-sensitive.
func ValidateName(name string) error {
	if len(name) == 0 || len(name) > MaxNameLength {
		return fmt.Errorf("zerobuffer: channel name length must be in [1,%d], got %d", MaxNameLength, len(name))
	}
	if !validName.MatchString(name) {
		return fmt.Errorf("zerobuffer: channel name %q must be printable ASCII with no whitespace or path separators", name)
	}
	if filepath.Base(name) != name {
		return fmt.Errorf("zerobuffer: channel name %q must not contain path separators", name)
	}
	return nil
}

// BufferConfig describes the size of the metadata block and payload ring
// of a channel.
type BufferConfig struct {
	MetadataSize uint64
	PayloadSize  uint64
}

// Validate checks that both sizes are multiples of the block alignment and
// that the payload ring can hold at least one frame header. A zero
// metadata size is accepted.
func (c BufferConfig) Validate() error {
	if c.MetadataSize%platform.BlockAlignment != 0 {
		return fmt.Errorf("zerobuffer: metadata_size %d must be a multiple of %d", c.MetadataSize, platform.BlockAlignment)
	}
	if c.PayloadSize%platform.BlockAlignment != 0 {
		return fmt.Errorf("zerobuffer: payload_size %d must be a multiple of %d", c.PayloadSize, platform.BlockAlignment)
	}
	if c.PayloadSize < wire.FrameHeaderSize {
		return fmt.Errorf("zerobuffer: payload_size %d too small to hold a single frame header", c.PayloadSize)
	}
	return nil
}

// String renders the config using human-readable byte quantities.
func (c BufferConfig) String() string {
	return fmt.Sprintf("BufferConfig{metadata=%s, payload=%s}",
		datasize.ByteSize(c.MetadataSize).HumanReadable(),
		datasize.ByteSize(c.PayloadSize).HumanReadable())
}

// FileConfig is the on-disk, human-authored form of a channel's
// configuration.
type FileConfig struct {
	Name         string            `yaml:"name"`
	MetadataSize datasize.ByteSize `yaml:"metadata_size"`
	PayloadSize  datasize.ByteSize `yaml:"payload_size"`
}

// BufferConfig converts the file config into the runtime BufferConfig.
func (f FileConfig) BufferConfig() BufferConfig {
	return BufferConfig{
		MetadataSize: f.MetadataSize.Bytes(),
		PayloadSize:  f.PayloadSize.Bytes(),
	}
}

// LoadConfig reads and parses a YAML channel configuration file.
func LoadConfig(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("zerobuffer: read config %q: %w", path, err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return FileConfig{}, fmt.Errorf("zerobuffer: parse config %q: %w", path, err)
	}
	if err := ValidateName(fc.Name); err != nil {
		return FileConfig{}, err
	}
	if err := fc.BufferConfig().Validate(); err != nil {
		return FileConfig{}, err
	}
	return fc, nil
}
