//go:build windows || plan9 || js

package main

import (
	"errors"

	"github.com/sirupsen/logrus"
)

func newSyslogHook() (logrus.Hook, error) {
	return nil, errors.New("not available on this platform")
}
