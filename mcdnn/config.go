// Package mcdnn trains a multi-column ensemble of convolutional networks, one per contrast
// variant and architecture, and combines their outputs to classify the test set.
package mcdnn

import (
	"encoding/json"
	"os"

	"github.com/jnb666/mcdnn/img"
	"github.com/jnb666/mcdnn/nnet"
	"github.com/pkg/errors"
)

// RunConfig holds the settings for a complete train and test run.
// Train holds the optimiser and run length settings shared by every network, the layers
// are filled in for each architecture.
type RunConfig struct {
	DataDir          string
	RawDir           string
	OutFile          string
	NetDir           string
	ImageSize        int
	ValidFraction    float64
	Variants         []img.Variant
	Archs            []string
	Threads          int
	MatchTestVariant bool
	HTTPAddr         string
	User             string
	Password         string
	UsePAM           bool
	Train            nnet.Config
}

// DefaultRunConfig returns the settings for the standard eight network ensemble.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		DataDir:       "data",
		RawDir:        "raw",
		OutFile:       "test_out.csv",
		ImageSize:     48,
		ValidFraction: 0.1,
		Variants:      append([]img.Variant{}, img.Variants...),
		Archs:         append([]string{}, ArchNames...),
		Train:         nnet.DefaultConfig(),
	}
}

// LoadRunConfig reads a JSON run config, settings not in the file keep their default values.
func LoadRunConfig(file string) (RunConfig, error) {
	c := DefaultRunConfig()
	f, err := os.Open(file)
	if err != nil {
		return c, err
	}
	defer f.Close()
	if err = json.NewDecoder(f).Decode(&c); err != nil {
		return c, errors.Wrapf(err, "error decoding run config %s", file)
	}
	return c, nil
}

// Validate verifies the config is runnable.
func (c RunConfig) Validate() error {
	switch {
	case c.DataDir == "":
		return errors.New("run config: DataDir is required")
	case c.OutFile == "":
		return errors.New("run config: OutFile is required")
	case c.ImageSize < 8:
		return errors.Errorf("run config: ImageSize %d too small", c.ImageSize)
	case c.ValidFraction <= 0 || c.ValidFraction >= 1:
		return errors.Errorf("run config: ValidFraction %g must be in (0, 1)", c.ValidFraction)
	case len(c.Variants) == 0:
		return errors.New("run config: no variants")
	case len(c.Archs) == 0:
		return errors.New("run config: no architectures")
	case c.UsePAM && c.User != "":
		return errors.New("run config: User and UsePAM are exclusive")
	}
	for _, name := range c.Archs {
		if !validArch(name) {
			return errors.Errorf("run config: unknown architecture %q", name)
		}
	}
	if c.Train.MaxEpoch < 1 {
		return errors.New("run config: MaxEpoch must be at least 1")
	}
	if c.Train.Eta <= 0 {
		return errors.New("run config: learning rate must be positive")
	}
	return nil
}
