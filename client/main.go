package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"wuyrush.io/pinvault/common/logging"
	cst "wuyrush.io/pinvault/constants"
)

func main() {
	viper.AutomaticEnv()
	logging.SetupLogTo(os.Stderr, "pinvault-client", viper.GetBool(cst.EnvVerbose))
	if err := newCLI(os.Stdout, os.Stderr).run(os.Args[1:]); err != nil {
		log.WithError(err).Fatal("pinvault-client failed")
	}
}
