package udp

import (
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/c360/memhook/errors"
)

// RetroArch network command names
const (
	cmdReadMemory  = "READ_CORE_MEMORY"
	cmdWriteMemory = "WRITE_CORE_MEMORY"
)

// errEmulatorRejected marks a "-1" reply: the emulator could not serve the
// request, usually because no content is loaded or the address is unmapped.
var errEmulatorRejected = stderrors.New("emulator returned -1")

// FormatAddress renders an address the way RetroArch echoes it back: single
// digit values in decimal, everything else as lowercase hex without padding.
func FormatAddress(addr uint32) string {
	if addr <= 9 {
		return strconv.FormatUint(uint64(addr), 10)
	}
	return strconv.FormatUint(uint64(addr), 16)
}

// readKey is both the read command and the key its reply is correlated by
func readKey(addr uint32, length int) string {
	return fmt.Sprintf("%s %s %d", cmdReadMemory, FormatAddress(addr), length)
}

func writeCommand(addr uint32, data []byte) string {
	var b strings.Builder
	b.Grow(len(cmdWriteMemory) + 10 + len(data)*3)
	b.WriteString(cmdWriteMemory)
	b.WriteByte(' ')
	b.WriteString(FormatAddress(addr))
	for _, v := range data {
		fmt.Fprintf(&b, " %02x", v)
	}
	return b.String()
}

// response is one parsed reply packet
type response struct {
	key     string
	command string
	address uint32
	data    []byte
}

// parseResponse parses "<command> <address> <hex byte>...". The key is
// rebuilt from the parsed address so padded or uppercase echoes still match.
func parseResponse(packet []byte) (response, error) {
	text := strings.TrimSpace(strings.ReplaceAll(string(packet), "\n", ""))
	parts := strings.Fields(text)
	if len(parts) < 3 {
		return response{}, fmt.Errorf("%w: short packet %q", errors.ErrDriverProtocol, text)
	}

	command, addrStr, values := parts[0], parts[1], parts[2:]

	if values[0] == "-1" {
		return response{command: command}, fmt.Errorf("%w: %q", errEmulatorRejected, text)
	}

	addr, err := strconv.ParseUint(addrStr, 16, 32)
	if err != nil {
		return response{}, fmt.Errorf("%w: bad address %q", errors.ErrDriverProtocol, addrStr)
	}

	data := make([]byte, len(values))
	for i, v := range values {
		b, err := strconv.ParseUint(v, 16, 8)
		if err != nil {
			return response{}, fmt.Errorf("%w: bad byte %q at %d", errors.ErrDriverProtocol, v, i)
		}
		data[i] = byte(b)
	}

	return response{
		key:     fmt.Sprintf("%s %s %d", command, FormatAddress(uint32(addr)), len(data)),
		command: command,
		address: uint32(addr),
		data:    data,
	}, nil
}
