package gretun

import "github.com/sirupsen/logrus"

// Log is the package-wide logger. Components never construct their own
// logger; they call Log.WithFields to attach connection/user context.
var Log = logrus.New()

func init() {
	Log.SetLevel(logrus.InfoLevel)
}
