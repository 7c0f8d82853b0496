// Package escvp defines the wire-level vocabulary of the ESC/VP.net control
// protocol spoken by networked Epson projectors: handshake framing, command
// tokens, status tables and the line terminators used on each direction of
// the link.
package escvp

import (
	"fmt"
	"strings"
)

// DefaultPort is the TCP port projectors listen on for ESC/VP.net.
const DefaultPort = 3629

const (
	// Preamble opens the session and prefixes the device's handshake echo.
	Preamble = "ESC/VP.net"

	// EventPrefix marks unsolicited notification frames.
	EventPrefix = "IMEVENT"

	// ErrorToken is the whole-frame reply to a rejected request.
	ErrorToken = "ERR"

	// SendTerminator ends every client-to-device line.
	SendTerminator = "\r\n"

	// RecvTerminator separates device-to-client frames. Older firmware
	// emits a lone ':'; the documented two-byte form is canonical here.
	RecvTerminator = "\r:"
)

// HandshakeSuffix is the fixed binary tail following the preamble in the
// client's opening message.
var HandshakeSuffix = []byte{0x10, 0x03, 0x00, 0x00, 0x00, 0x00}

const (
	// HandshakeResponseLen is the length of the device's preamble echo.
	HandshakeResponseLen = 16

	// HandshakeStatusOffset locates the status byte within the echo.
	HandshakeStatusOffset = 14

	// HandshakeStatusOK is the only status that lets the session proceed.
	HandshakeStatusOK = 0x20
)

// handshakeStatusText maps handshake status bytes to the diagnostic causes
// documented in the ESC/VP.net specification.
var handshakeStatusText = map[byte]string{
	0x20: "OK Normal termination",
	0x40: "Bad Request Request cannot be understood as its grammar is wrong.",
	0x41: "Unauthorized. Password is required.",
	0x43: "Forbidden Password is wrong.",
	0x45: "Request not allowed Disallowed type request.",
	0x53: "Service Unavailable The projector is BUSY, etc.",
	0x55: "Protocol Version Not Supported",
}

// HandshakeStatusText returns the documented cause for a handshake status
// byte, or a hex rendering for codes outside the table.
func HandshakeStatusText(status byte) string {
	if text, ok := handshakeStatusText[status]; ok {
		return text
	}
	return fmt.Sprintf("Unknown status 0x%02X", status)
}

// Command tokens understood by the device.
const (
	CmdPower        = "PWR"        // power state, integer code
	CmdSource       = "SOURCE"     // current input source code
	CmdSourceList   = "SOURCELIST" // space-separated code/name pairs
	CmdSerialNumber = "SNO"        // device serial number
	CmdLensMemory   = "POPLP"      // lens memory recall, write-only
	CmdImageMemory  = "POPMEM"     // picture memory recall, write-only
)

// Power status codes reported by PWR queries.
const (
	PowerUnknown         = -1
	PowerStandby         = 0
	PowerOn              = 1
	PowerWarmUp          = 2
	PowerCoolingDown     = 3
	PowerStandbyNetOn    = 4
	PowerAbnormalStandby = 5
)

var powerStatusNames = map[int]string{
	PowerStandby:         "Standby / Network off",
	PowerOn:              "Power on",
	PowerWarmUp:          "Warm up",
	PowerCoolingDown:     "Cooling down",
	PowerStandbyNetOn:    "Standby / Network on",
	PowerAbnormalStandby: "Abnormal standby",
}

// PowerStatusName renders a power status code for humans.
func PowerStatusName(code int) string {
	if name, ok := powerStatusNames[code]; ok {
		return name
	}
	return "Unknown"
}

// PowerIsOn reports whether a power status code counts as "on". Warm-up is
// treated as on: the lamp is lit, the device just is not at brightness yet.
func PowerIsOn(code int) bool {
	return code == PowerOn || code == PowerWarmUp
}

// Query formats a status query line, e.g. Query("PWR") == "PWR?".
func Query(command string) string {
	return command + "?"
}

// Command formats a state-changing command line, e.g.
// Command("PWR", "ON") == "PWR ON".
func Command(command, arg string) string {
	return command + " " + arg
}

// ResponseValue extracts the value from a "CMD=value" query response frame.
// The second return is false when the frame lacks the expected prefix.
func ResponseValue(command, frame string) (string, bool) {
	value, ok := strings.CutPrefix(frame, command+"=")
	return value, ok
}

// ParseSourceList splits a SOURCELIST response payload into a code-to-name
// table. The payload is space-separated alternating code/name pairs; a
// trailing unpaired token is dropped.
func ParseSourceList(payload string) map[string]string {
	fields := strings.Fields(payload)
	sources := make(map[string]string, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		sources[fields[i]] = fields[i+1]
	}
	return sources
}
