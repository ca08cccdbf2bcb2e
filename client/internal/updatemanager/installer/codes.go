package installer

import (
	"os"
	"syscall"
)

// Status is the kind of an install result.
type Status string

const (
	StatusSuccess           Status = "success"
	StatusPendingUserAction Status = "pending_user_action"
	StatusFailure           Status = "failure"
)

// FailureCode classifies a failed install.
type FailureCode string

const (
	// CodeAborted means the user dismissed the installer. It is never reported as an error.
	CodeAborted      FailureCode = "aborted"
	CodeBlocked      FailureCode = "blocked"
	CodeConflict     FailureCode = "conflict"
	CodeIncompatible FailureCode = "incompatible"
	CodeInvalid      FailureCode = "invalid"
	CodeStorage      FailureCode = "storage"
	CodeGeneric      FailureCode = "failure"
)

// Windows installer exit codes, also used as the exit convention for
// installer commands on other platforms. POSIX keeps only the low byte of an
// exit status, so there only exitDiskFull survives intact and an abort is
// reported by dying on SIGINT or SIGTERM.
const (
	exitDiskFull           = 112
	exitCancelled          = 1223
	exitUserExit           = 1602
	exitAnotherInstall     = 1618
	exitPackageOpenFailed  = 1619
	exitPackageInvalid     = 1620
	exitPolicyRestricted   = 1625
	exitPlatformUnsupport  = 1633
	exitRebootInitiated    = 1641
	exitSuccessRebootLater = 3010
)

// resultFromExitCode maps an installer exit code to a result.
func resultFromExitCode(code int) (Status, FailureCode) {
	switch code {
	case 0, exitRebootInitiated, exitSuccessRebootLater:
		return StatusSuccess, ""
	case exitCancelled, exitUserExit:
		return StatusFailure, CodeAborted
	case exitPolicyRestricted:
		return StatusFailure, CodeBlocked
	case exitAnotherInstall:
		return StatusFailure, CodeConflict
	case exitPlatformUnsupport:
		return StatusFailure, CodeIncompatible
	case exitPackageOpenFailed, exitPackageInvalid:
		return StatusFailure, CodeInvalid
	case exitDiskFull:
		return StatusFailure, CodeStorage
	default:
		return StatusFailure, CodeGeneric
	}
}

// resultFromSignal maps the signal that killed the installer. Only an
// interrupt or termination request is an abort; a crash or a kill is a failure.
func resultFromSignal(sig os.Signal) (Status, FailureCode) {
	switch sig {
	case syscall.SIGINT, syscall.SIGTERM:
		return StatusFailure, CodeAborted
	default:
		return StatusFailure, CodeGeneric
	}
}
