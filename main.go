// Command nmr_FAIR-DOs-cli harvests the NMR repositories Chemotion and
// NMRXiv, registers a FAIR Digital Object for every resource with the Typed
// PID-Maker and indexes the records in Elasticsearch.
//
// Run it without arguments to list the available commands.
package main

import (
	"context"
	"os"

	"github.com/kit-data-manager/nmr-fairdos/app"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// exitInterrupted is the conventional status of a process stopped by SIGINT.
const exitInterrupted = 130

func main() {
	err := app.Run(os.Stdout, os.Stderr)
	switch {
	case err == nil:
	case errors.Cause(err) == context.Canceled:
		logrus.Debugln(errors.Wrap(err, "run interrupted"))
		os.Exit(exitInterrupted)
	default:
		logrus.Fatal(err)
	}
}
