//go:build !unix

package audit

import "os"

// Advisory file locks are unavailable here; the in-process mutex still
// serializes appends within one process.
func lockFile(*os.File) error   { return nil }
func unlockFile(*os.File) error { return nil }
