package cmn

import "github.com/golang/glog"

// Assert and friends mirror aistore's own cmn.Assert/cmn.AssertMsg: a
// failed assertion names a programmer error, not a recoverable runtime
// condition, so it is fatal rather than returned as an error value.

func Assert(cond bool) {
	if !cond {
		glog.Fatal("assertion failed")
	}
}

func AssertMsg(cond bool, msg string) {
	if !cond {
		glog.Fatal("assertion failed: " + msg)
	}
}

func AssertNoErr(err error) {
	if err != nil {
		glog.Fatalf("assertion failed: unexpected error: %v", err)
	}
}
