// Package emu provides functional 80386 CPU emulation.
package emu

import "fmt"

// Architectural exception vectors.
const (
	ExcDE  = 0  // divide error
	ExcDB  = 1  // debug
	ExcNMI = 2  // non-maskable interrupt
	ExcBP  = 3  // breakpoint
	ExcOF  = 4  // overflow
	ExcBR  = 5  // BOUND range exceeded
	ExcUD  = 6  // invalid opcode
	ExcNM  = 7  // device not available
	ExcDF  = 8  // double fault
	ExcTS  = 10 // invalid TSS
	ExcNP  = 11 // segment not present
	ExcSS  = 12 // stack fault
	ExcGP  = 13 // general protection
	ExcPF  = 14 // page fault
	ExcMF  = 16 // x87 floating-point error
	ExcAC  = 17 // alignment check
)

// Page-fault error code bits.
const (
	pfErrProtection = 1 << 0 // fault on a present page (protection violation)
	pfErrWrite      = 1 << 1
	pfErrUser       = 1 << 2
	pfErrFetch      = 1 << 4
)

// Exception is an architectural CPU exception propagated as an error out of
// fallible operations (memory access, segment loads, instruction fetch). The
// per-instruction context catches it and delivers it through the interrupt
// protocol.
type Exception struct {
	Vector        uint8
	Code          uint16
	HasCode       bool
	LinearAddress uint32 // faulting linear address, #PF only
	Message       string
}

// Error implements the error interface.
func (e *Exception) Error() string {
	name := vectorName(e.Vector)
	if e.Vector == ExcPF {
		return fmt.Sprintf("%s(%#04x) at linear %#08x: %s", name, e.Code, e.LinearAddress, e.Message)
	}
	if e.HasCode {
		return fmt.Sprintf("%s(%#04x): %s", name, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", name, e.Message)
}

func vectorName(vector uint8) string {
	switch vector {
	case ExcDE:
		return "#DE"
	case ExcDB:
		return "#DB"
	case ExcBP:
		return "#BP"
	case ExcOF:
		return "#OF"
	case ExcBR:
		return "#BR"
	case ExcUD:
		return "#UD"
	case ExcNM:
		return "#NM"
	case ExcDF:
		return "#DF"
	case ExcTS:
		return "#TS"
	case ExcNP:
		return "#NP"
	case ExcSS:
		return "#SS"
	case ExcGP:
		return "#GP"
	case ExcPF:
		return "#PF"
	case ExcMF:
		return "#MF"
	case ExcAC:
		return "#AC"
	}
	return fmt.Sprintf("int%d", vector)
}

// hasErrorCode reports whether the vector pushes an error code on delivery.
func hasErrorCode(vector uint8) bool {
	switch vector {
	case ExcDF, ExcTS, ExcNP, ExcSS, ExcGP, ExcPF, ExcAC:
		return true
	}
	return false
}

func divideError(msg string) *Exception {
	return &Exception{Vector: ExcDE, Message: msg}
}

func boundRangeExceeded(msg string) *Exception {
	return &Exception{Vector: ExcBR, Message: msg}
}

func invalidOpcode(msg string) *Exception {
	return &Exception{Vector: ExcUD, Message: msg}
}

func deviceNotAvailable(msg string) *Exception {
	return &Exception{Vector: ExcNM, Message: msg}
}

func generalProtectionFault(code uint16, msg string) *Exception {
	return &Exception{Vector: ExcGP, Code: code, HasCode: true, Message: msg}
}

func stackFault(code uint16, msg string) *Exception {
	return &Exception{Vector: ExcSS, Code: code, HasCode: true, Message: msg}
}

func notPresent(code uint16, msg string) *Exception {
	return &Exception{Vector: ExcNP, Code: code, HasCode: true, Message: msg}
}

func invalidTSS(code uint16, msg string) *Exception {
	return &Exception{Vector: ExcTS, Code: code, HasCode: true, Message: msg}
}

func doubleFault() *Exception {
	return &Exception{Vector: ExcDF, Code: 0, HasCode: true, Message: "double fault"}
}

func pageFault(code uint16, laddr uint32, msg string) *Exception {
	return &Exception{Vector: ExcPF, Code: code, HasCode: true, LinearAddress: laddr, Message: msg}
}

// asException unwraps err into an *Exception, or nil for host-level errors.
func asException(err error) *Exception {
	if e, ok := err.(*Exception); ok {
		return e
	}
	return nil
}
