package nnet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Training configuration settings
type Config struct {
	Eta           float64
	Beta1         float64
	Beta2         float64
	Epsilon       float64
	Lambda        float64
	Optimizer     string
	Bias          float64
	NormalWeights bool
	FlattenInput  bool
	Shuffle       bool
	TrainBatch    int
	TestBatch     int
	MaxEpoch      int
	MaxSamples    int
	LogEvery      int
	RandSeed      int64
	DebugLevel    int
	Profile       bool
	Layers        []LayerConfig
}

// DefaultConfig has the Adam optimiser settings and run length used for each network of the ensemble.
func DefaultConfig() Config {
	return Config{
		Eta:        1e-3,
		Beta1:      0.9,
		Beta2:      0.999,
		Epsilon:    1e-8,
		Optimizer:  "adam",
		Shuffle:    true,
		TrainBatch: 64,
		TestBatch:  64,
		MaxEpoch:   50,
		LogEvery:   1,
		RandSeed:   1,
	}
}

// Load network config from json file, any settings which are not in the file keep the default values
func LoadConfig(file string) (Config, error) {
	c := DefaultConfig()
	f, err := os.Open(file)
	if err != nil {
		return c, err
	}
	defer f.Close()
	if err = json.NewDecoder(f).Decode(&c); err != nil {
		return c, errors.Wrapf(err, "error decoding config %s", file)
	}
	return c, nil
}

// Append layers to the config struct
func (c Config) AddLayers(layers ...ConfigLayer) Config {
	for _, l := range layers {
		c.Layers = append(c.Layers, l.Marshal())
	}
	return c
}

// Save config to JSON file, a temporary file is written first and then renamed
func (c Config) Save(file string) error {
	tmpPath := filepath.Join(filepath.Dir(file), "."+filepath.Base(file))
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err = enc.Encode(c); err != nil {
		f.Close()
		return errors.Wrapf(err, "error encoding config %s", file)
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, file)
}

// Fields lists the names of the scalar settings
func (c Config) Fields() []string {
	st := reflect.TypeOf(c)
	fld := make([]string, st.NumField()-1)
	for i := range fld {
		fld[i] = st.Field(i).Name
	}
	return fld
}

func (c Config) Get(key string) interface{} {
	s := reflect.ValueOf(c)
	return s.FieldByName(key).Interface()
}

func (c Config) configString() string {
	fields := c.Fields()
	str := []string{"== Config =="}
	for _, key := range fields {
		str = append(str, fmt.Sprintf("%-14s: %v", key, c.Get(key)))
	}
	return strings.Join(str, "\n")
}

func (c Config) String() string {
	s := c.configString()
	if c.Layers != nil {
		str := []string{"\n== Network =="}
		for i, layer := range c.Layers {
			str = append(str, fmt.Sprintf("%2d: %s", i, layer))
		}
		s += strings.Join(str, "\n")
	}
	return s
}

// SetString parses the value and updates the named numeric or string field
func (c Config) SetString(key, val string) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if !f.IsValid() {
		return c, fmt.Errorf("invalid config field %q", key)
	}
	var err error
	switch f.Type().Kind() {
	case reflect.Int, reflect.Int64:
		var x int64
		if x, err = strconv.ParseInt(val, 10, 64); err == nil {
			f.SetInt(x)
		}
	case reflect.Float64:
		var x float64
		if x, err = strconv.ParseFloat(val, 64); err == nil {
			f.SetFloat(x)
		}
	case reflect.String:
		f.SetString(val)
	case reflect.Bool:
		var x bool
		if x, err = strconv.ParseBool(val); err == nil {
			f.SetBool(x)
		}
	default:
		return c, fmt.Errorf("invalid type for SetString: %v", f.Type().Kind())
	}
	return c, err
}

func (c Config) SetBool(key string, val bool) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if !f.IsValid() {
		return c, fmt.Errorf("invalid config field %q", key)
	}
	if f.Type().Kind() == reflect.Bool {
		f.SetBool(val)
		return c, nil
	}
	return c, fmt.Errorf("invalid type for SetBool: %v", f.Type().Kind())
}

// Validate checks the settings needed to build and train a network
func (c Config) Validate() error {
	switch {
	case len(c.Layers) == 0:
		return errors.New("config: no layers defined")
	case c.TrainBatch < 0 || c.TestBatch < 0:
		return errors.New("config: batch size must not be negative")
	case c.MaxEpoch < 1:
		return errors.New("config: MaxEpoch must be at least 1")
	case c.Eta <= 0:
		return errors.New("config: learning rate must be positive")
	case c.Optimizer != "adam" && c.Optimizer != "sgd":
		return errors.Errorf("config: unknown optimizer %q", c.Optimizer)
	}
	return nil
}
