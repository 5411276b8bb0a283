package wirekit

import (
	"io"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Entry

func init() {
	l := logrus.New()
	l.SetOutput(io.Discard)
	logger = logrus.NewEntry(l)
}

func SetLogger(l *logrus.Entry) {
	logger = l
}
