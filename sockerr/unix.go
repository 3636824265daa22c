//go:build unix

// SPDX-License-Identifier: GPL-3.0-or-later

package sockerr

import "golang.org/x/sys/unix"

const (
	errECONNABORTED = unix.ECONNABORTED
	errECONNREFUSED = unix.ECONNREFUSED
	errECONNRESET   = unix.ECONNRESET
	errEHOSTUNREACH = unix.EHOSTUNREACH
	errEISCONN      = unix.EISCONN
	errENETUNREACH  = unix.ENETUNREACH
	errENOTCONN     = unix.ENOTCONN
	errEPIPE        = unix.EPIPE
	errETIMEDOUT    = unix.ETIMEDOUT
)
