// Package deleter vends a long-running worker to delete ciphertext left behind by deleted artifacts.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bluele/gcache"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"wuyrush.io/pinvault/common/logging"
	cst "wuyrush.io/pinvault/constants"
	st "wuyrush.io/pinvault/stores"
)

const (
	defaultBlobDir        = "/var/lib/pinvault/blobs"
	defaultSweepFreq      = time.Minute
	defaultPoolSize       = 8
	defaultMaxSweepLoad   = 500
	defaultLocalCacheSize = 10000
	defaultWIPExpiry      = 10 * time.Minute
)

func main() {
	if err := runDeleter(); err != nil {
		log.WithError(err).Fatal("error running deleter")
	}
}

func runDeleter() error {
	viper.AutomaticEnv()
	logging.SetupLog("pinvault-deleter")
	viper.SetDefault(cst.EnvBlobDir, defaultBlobDir)
	viper.SetDefault(cst.EnvDeleterSweepFreq, defaultSweepFreq)
	viper.SetDefault(cst.EnvDeleterExecutorPoolSize, defaultPoolSize)
	viper.SetDefault(cst.EnvDeleterMaxSweepLoad, defaultMaxSweepLoad)
	viper.SetDefault(cst.EnvDeleterLocalCacheSize, defaultLocalCacheSize)
	viper.SetDefault(cst.EnvDeleterWIPCacheEntryExpiry, defaultWIPExpiry)
	clog := logging.WithFuncName()
	db, err := st.NewRedisClient()
	if err != nil {
		clog.WithError(err).Error("error setting up redis")
		return err
	}
	defer db.Close()
	d := &deleter{
		Blobs:     &st.LocalBlobStore{Dir: viper.GetString(cst.EnvBlobDir)},
		Junk:      &st.RedisJunkStore{DB: db},
		PoolSize:  viper.GetInt(cst.EnvDeleterExecutorPoolSize),
		MaxLoad:   viper.GetInt(cst.EnvDeleterMaxSweepLoad),
		WIPExpiry: viper.GetDuration(cst.EnvDeleterWIPCacheEntryExpiry),
		wipCache:  gcache.New(viper.GetInt(cst.EnvDeleterLocalCacheSize)).LRU().Build(),
	}
	// ensure the worker can be responsive to system signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	stop := make(chan struct{})
	go func() {
		<-sigChan
		clog.Info("got termination signal from kernel. Stopping")
		close(stop)
	}()
	if err := d.Run(viper.GetDuration(cst.EnvDeleterSweepFreq), stop); err != nil {
		return err
	}
	return nil
}
