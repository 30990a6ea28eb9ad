// Package debug provides low-overhead assertions and leveled logging,
// switched off at run time (Infof and the asserts do nothing) unless the
// MCS_DEBUG environment variable is set - mirrors memsys' own
// `debug.Infof`/`debug.Assert` call sites.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import (
	"os"

	"github.com/golang/glog"
)

var enabled = os.Getenv("MCS_DEBUG") != ""

func Infof(format string, args ...interface{}) {
	if enabled && glog.V(4) {
		glog.Infof(format, args...)
	}
}

func Assert(cond bool) {
	if enabled && !cond {
		glog.Fatal("debug assertion failed")
	}
}

func AssertMsg(cond bool, msg string) {
	if enabled && !cond {
		glog.Fatal("debug assertion failed: " + msg)
	}
}
