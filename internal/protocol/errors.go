package protocol

import "errors"

// ErrProtocol is the sentinel wrapped by envelope validation failures.
var ErrProtocol = errors.New("protocol error")

// Codec reads and writes newline-delimited JSON envelopes over a connection.
// MaxLineBytes bounds a single line per the documented 16MiB limit; a line
// exceeding it is a protocol error, not a panic.
const MaxLineBytes = 16 * 1024 * 1024
