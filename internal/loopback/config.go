package loopback

import (
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"

	"github.com/cenkalti/piecepump/internal/piece"
	"github.com/cenkalti/piecepump/internal/throttle"
)

// Config for a transfer session. Limits are in bytes per second, zero means unlimited.
type Config struct {
	// Files are split into pieces of this length.
	PieceLength datasize.ByteSize `yaml:"piece_length"`
	// Pieces are requested in blocks of this length.
	BlockSize datasize.ByteSize `yaml:"block_size"`

	// Global limits shared by both peers.
	DownloadLimit datasize.ByteSize `yaml:"download_limit"`
	UploadLimit   datasize.ByteSize `yaml:"upload_limit"`
	// Limits of each peer connection.
	PeerDownloadLimit datasize.ByteSize `yaml:"peer_download_limit"`
	PeerUploadLimit   datasize.ByteSize `yaml:"peer_upload_limit"`

	// Period of quota refill checks.
	ThrottleTick time.Duration `yaml:"throttle_tick"`
	// Period of stall detection and progress logs.
	StallTick time.Duration `yaml:"stall_tick"`

	// Panic on internal errors and log at debug level.
	Debug bool `yaml:"debug"`
}

// DefaultConfig for a session.
var DefaultConfig = Config{
	PieceLength:  256 * datasize.KB,
	BlockSize:    piece.BlockSize * datasize.B,
	ThrottleTick: 100 * time.Millisecond,
	StallTick:    time.Second,
}

// LoadConfig reads a YAML config file over DefaultConfig. A missing file is not an error.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	filename, err := homedir.Expand(filename)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	if err = c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that values can be used by a session.
func (c *Config) Validate() error {
	if c.PieceLength == 0 || c.PieceLength.Bytes() > 1<<31 {
		return fmt.Errorf("invalid piece length: %s", c.PieceLength.HR())
	}
	if c.BlockSize == 0 || c.BlockSize.Bytes() > piece.MaxRequestLength {
		return fmt.Errorf("invalid block size: %s", c.BlockSize.HR())
	}
	for name, l := range map[string]datasize.ByteSize{
		"download limit":      c.DownloadLimit,
		"upload limit":        c.UploadLimit,
		"peer download limit": c.PeerDownloadLimit,
		"peer upload limit":   c.PeerUploadLimit,
	} {
		if l != 0 && l.Bytes() < throttle.MinChunk {
			return fmt.Errorf("%s must be at least %d bytes per second", name, throttle.MinChunk)
		}
	}
	if c.ThrottleTick <= 0 || c.StallTick <= 0 {
		return fmt.Errorf("tick durations must be positive")
	}
	return nil
}
