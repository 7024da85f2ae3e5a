// The mcdnn command preprocesses the raw images if needed, trains each network of the ensemble in turn
// and writes the predicted class of each test image to the output file.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/jnb666/mcdnn/img"
	"github.com/jnb666/mcdnn/mcdnn"
	"github.com/jnb666/mcdnn/web"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	configFile = flag.String("config", "", "JSON run config file")
	dataDir    = flag.String("data", "data", "directory for the preprocessed data")
	rawDir     = flag.String("raw", "raw", "directory with the raw train and test images")
	outFile    = flag.String("out", "test_out.csv", "file for the test set predictions")
	netDir     = flag.String("nets", "", "directory with <arch>.net files to override the built in networks")
	variants   = flag.String("variants", "", "comma separated list of contrast variants")
	archs      = flag.String("archs", "", "comma separated list of network architectures")
	epochs     = flag.Int("epochs", 50, "max epochs per network")
	batch      = flag.Int("batch", 64, "train batch size")
	testBatch  = flag.Int("testbatch", 64, "validation and test batch size")
	eta        = flag.Float64("eta", 1e-3, "learning rate")
	seed       = flag.Int64("seed", 1, "random number seed")
	threads    = flag.Int("threads", 0, "number of worker threads, 0 to use all cores")
	matchTest  = flag.Bool("match-test-variant", false, "feed each network the test images with its own contrast variant")
	httpAddr   = flag.String("http", "", "serve training monitor on this address, e.g. localhost:8080")
	user       = flag.String("user", "", "monitor login user name")
	password   = flag.String("password", "", "monitor login password")
	usePAM     = flag.Bool("pam", false, "check monitor logins with PAM")
	debug      = flag.Int("debug", 0, "debug logging level")
	profile    = flag.Bool("profile", false, "log profiling info")
)

func main() {
	flag.Parse()
	log, err := newLogger(*debug)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	conf := mcdnn.DefaultRunConfig()
	if *configFile != "" {
		if conf, err = mcdnn.LoadRunConfig(*configFile); err != nil {
			log.Fatalw("error loading config", "error", err)
		}
	}
	// flags given on the command line override the config file
	flag.Visit(func(f *flag.Flag) {
		if err == nil {
			err = override(&conf, f.Name)
		}
	})
	if err != nil {
		log.Fatalw("invalid option", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner, err := mcdnn.NewRunner(conf, log)
	if err != nil {
		log.Fatalw("invalid config", "error", err)
	}
	if conf.HTTPAddr != "" {
		mon, err := web.NewMonitor(log)
		if err != nil {
			log.Fatalw("error loading templates", "error", err)
		}
		mw, err := authMiddleware(conf, log)
		if err != nil {
			log.Fatalw("auth setup failed", "error", err)
		}
		runner.Monitor = mon
		go func() {
			err := web.Serve(ctx, conf.HTTPAddr, mon.Router(mw...), log)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("monitor stopped", "error", err)
			}
		}()
	}
	if err := runner.Run(ctx); err != nil {
		log.Fatalw("run failed", "error", err)
	}
}

func override(c *mcdnn.RunConfig, name string) (err error) {
	switch name {
	case "data":
		c.DataDir = *dataDir
	case "raw":
		c.RawDir = *rawDir
	case "out":
		c.OutFile = *outFile
	case "nets":
		c.NetDir = *netDir
	case "variants":
		c.Variants = nil
		for _, name := range strings.Split(*variants, ",") {
			v, err := img.ParseVariant(strings.TrimSpace(name))
			if err != nil {
				return err
			}
			c.Variants = append(c.Variants, v)
		}
	case "archs":
		c.Archs = nil
		for _, name := range strings.Split(*archs, ",") {
			c.Archs = append(c.Archs, strings.TrimSpace(name))
		}
	case "epochs":
		c.Train.MaxEpoch = *epochs
	case "batch":
		c.Train.TrainBatch = *batch
	case "testbatch":
		c.Train.TestBatch = *testBatch
	case "eta":
		c.Train.Eta = *eta
	case "seed":
		c.Train.RandSeed = *seed
	case "threads":
		c.Threads = *threads
	case "match-test-variant":
		c.MatchTestVariant = *matchTest
	case "http":
		c.HTTPAddr = *httpAddr
	case "user":
		c.User = *user
	case "password":
		c.Password = *password
	case "pam":
		c.UsePAM = *usePAM
	case "debug":
		c.Train.DebugLevel = *debug
	case "profile":
		c.Train.Profile = *profile
	}
	return nil
}

func authMiddleware(c mcdnn.RunConfig, log *zap.SugaredLogger) ([]mux.MiddlewareFunc, error) {
	switch {
	case c.UsePAM:
		auth, err := web.PAMAuth(log)
		if err != nil {
			return nil, err
		}
		return []mux.MiddlewareFunc{auth.Middleware}, nil
	case c.User != "":
		return []mux.MiddlewareFunc{web.BasicAuth(c.User, c.Password, log).Middleware}, nil
	}
	return nil, nil
}

func newLogger(debug int) (*zap.SugaredLogger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	if debug == 0 {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
