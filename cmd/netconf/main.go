// The netconf command writes the built in network architectures as JSON files which can be edited
// and passed back to mcdnn with the -nets option.
package main

import (
	"flag"
	"os"

	"github.com/jnb666/mcdnn/mcdnn"
	"github.com/jnb666/mcdnn/nnet"
	"go.uber.org/zap"
)

func main() {
	dir := flag.String("dir", "nets", "output directory")
	classes := flag.Int("classes", 43, "number of output classes")
	flag.Parse()
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log := logger.Sugar()
	defer log.Sync()

	if err := os.MkdirAll(*dir, 0755); err != nil {
		log.Fatalw("error creating directory", "error", err)
	}
	for _, name := range mcdnn.ArchNames {
		conf, err := mcdnn.Arch(name, nnet.DefaultConfig(), *classes, "")
		if err != nil {
			log.Fatalw("invalid architecture", "arch", name, "error", err)
		}
		file := mcdnn.ArchFile(*dir, name)
		if err := conf.Save(file); err != nil {
			log.Fatalw("error saving config", "file", file, "error", err)
		}
		log.Infof("saved %s\n%s", file, conf)
	}
}
