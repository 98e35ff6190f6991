package m2m

import "strconv"

// Error is a host interface error code as returned by the chip driver API.
// The zero value (M2M_SUCCESS) is never returned as an error.
type Error int8

const (
	ErrSend           Error = -1
	ErrRcv            Error = -2
	ErrMemAlloc       Error = -3
	ErrTimeOut        Error = -4
	ErrInit           Error = -5
	ErrBusFail        Error = -6
	ErrFirmware       Error = -8
	ErrFail           Error = -12
	ErrFwVerMismatch  Error = -13
	ErrScanInProgress Error = -14
	ErrInvalidArg     Error = -15
	ErrInvalid        Error = -16
)

func (e Error) Error() string {
	switch e {
	case ErrSend:
		return "m2m: send failed"
	case ErrRcv:
		return "m2m: receive failed"
	case ErrMemAlloc:
		return "m2m: chip buffer allocation failed"
	case ErrTimeOut:
		return "m2m: timeout"
	case ErrInit:
		return "m2m: init failed"
	case ErrBusFail:
		return "m2m: bus failure"
	case ErrFirmware:
		return "m2m: firmware failed to start"
	case ErrFail:
		return "m2m: fail"
	case ErrFwVerMismatch:
		return "m2m: firmware version mismatch"
	case ErrScanInProgress:
		return "m2m: scan in progress"
	case ErrInvalidArg:
		return "m2m: invalid argument"
	case ErrInvalid:
		return "m2m: invalid"
	}
	return "m2m: error " + strconv.Itoa(int(e))
}

// SockError is a socket status code. SockNoError is delivered in socket
// events to signal success and is never returned as an error value.
type SockError int8

const (
	SockNoError             SockError = 0
	SockErrInvalidAddress   SockError = -1
	SockErrAddrAlreadyInUse SockError = -2
	SockErrMaxTCPSock       SockError = -3
	SockErrMaxUDPSock       SockError = -4
	SockErrInvalidArg       SockError = -6
	SockErrMaxListenSock    SockError = -7
	SockErrInvalid          SockError = -9
	SockErrAddrIsRequired   SockError = -11
	SockErrConnAborted      SockError = -12
	SockErrTimeout          SockError = -13
	SockErrBufferFull       SockError = -14
)

func (e SockError) Error() string {
	switch e {
	case SockNoError:
		return "socket: no error"
	case SockErrInvalidAddress:
		return "socket: invalid address"
	case SockErrAddrAlreadyInUse:
		return "socket: address already in use"
	case SockErrMaxTCPSock:
		return "socket: too many TCP sockets"
	case SockErrMaxUDPSock:
		return "socket: too many UDP sockets"
	case SockErrInvalidArg:
		return "socket: invalid argument"
	case SockErrMaxListenSock:
		return "socket: too many listening sockets"
	case SockErrInvalid:
		return "socket: invalid"
	case SockErrAddrIsRequired:
		return "socket: address required"
	case SockErrConnAborted:
		return "socket: connection aborted"
	case SockErrTimeout:
		return "socket: timeout"
	case SockErrBufferFull:
		return "socket: buffer full"
	}
	return "socket: error " + strconv.Itoa(int(e))
}

// Err returns nil for SockNoError and e otherwise.
func (e SockError) Err() error {
	if e == SockNoError {
		return nil
	}
	return e
}
