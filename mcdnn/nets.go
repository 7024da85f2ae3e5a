package mcdnn

import (
	"path/filepath"

	"github.com/jnb666/mcdnn/nnet"
	"github.com/pkg/errors"
)

// Names of the built in network architectures
var ArchNames = []string{"net1", "net2"}

func validArch(name string) bool {
	for _, n := range ArchNames {
		if n == name {
			return true
		}
	}
	return false
}

// Net1 has three wide convolution layers followed by a 300 unit hidden layer.
// With 48x48 input the feature maps are 42, 21, 18, 9, 6, 3 pixels square.
func Net1(conf nnet.Config, classes int) nnet.Config {
	conf.Layers = nil
	return conf.AddLayers(
		nnet.Conv{Nfeats: 100, Size: 7},
		nnet.Activation{Atype: "relu"},
		nnet.MaxPool{Size: 2},
		nnet.Conv{Nfeats: 150, Size: 4},
		nnet.Activation{Atype: "relu"},
		nnet.MaxPool{Size: 2},
		nnet.Conv{Nfeats: 250, Size: 4},
		nnet.Activation{Atype: "relu"},
		nnet.MaxPool{Size: 2},
		nnet.Flatten{},
		nnet.Linear{Nout: 300},
		nnet.Activation{Atype: "relu"},
		nnet.Linear{Nout: classes},
		nnet.LogRegression{},
	)
}

// Net2 is a smaller network with two padded 5x5 convolution layers.
func Net2(conf nnet.Config, classes int) nnet.Config {
	conf.Layers = nil
	return conf.AddLayers(
		nnet.Conv{Nfeats: 32, Size: 5, Pad: 2},
		nnet.Activation{Atype: "relu"},
		nnet.MaxPool{Size: 2},
		nnet.Conv{Nfeats: 64, Size: 5, Pad: 2},
		nnet.Activation{Atype: "relu"},
		nnet.MaxPool{Size: 2},
		nnet.Flatten{},
		nnet.Linear{Nout: 256},
		nnet.Activation{Atype: "relu"},
		nnet.Linear{Nout: classes},
		nnet.LogRegression{},
	)
}

// ArchFile is the path of the JSON file which may override the built in layers for an architecture.
func ArchFile(dir, name string) string {
	return filepath.Join(dir, name+".net")
}

// Arch returns the network config for the named architecture using the training settings from conf.
// If netDir contains a <name>.net file then the layers are read from there instead.
func Arch(name string, conf nnet.Config, classes int, netDir string) (nnet.Config, error) {
	if netDir != "" && nnet.FileExists(ArchFile(netDir, name)) {
		file, err := nnet.LoadConfig(ArchFile(netDir, name))
		if err != nil {
			return conf, err
		}
		conf.Layers = file.Layers
		return conf, nil
	}
	switch name {
	case "net1":
		return Net1(conf, classes), nil
	case "net2":
		return Net2(conf, classes), nil
	}
	return conf, errors.Errorf("unknown network architecture %q", name)
}
