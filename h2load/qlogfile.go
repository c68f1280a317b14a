package h2load

import (
	"io"
	"os"
)

// newQlogFile opens (creating if needed) the sink file a QuicClient
// appends its qlog trace to, per spec.md §6/§4.4.
func newQlogFile(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
