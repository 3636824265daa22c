//go:build windows

// SPDX-License-Identifier: GPL-3.0-or-later

package sockerr

import "golang.org/x/sys/windows"

const (
	errECONNABORTED = windows.WSAECONNABORTED
	errECONNREFUSED = windows.WSAECONNREFUSED
	errECONNRESET   = windows.WSAECONNRESET
	errEHOSTUNREACH = windows.WSAEHOSTUNREACH
	errEISCONN      = windows.WSAEISCONN
	errENETUNREACH  = windows.WSAENETUNREACH
	errENOTCONN     = windows.WSAENOTCONN
	errEPIPE        = windows.WSAESHUTDOWN
	errETIMEDOUT    = windows.WSAETIMEDOUT
)
