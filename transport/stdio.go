package transport

import (
	"io"
	"os"
)

// duplex joins one read side and one write side into the single duplex stream
// a control session owns. Close releases both halves.
type duplex struct {
	r io.Reader
	w io.Writer
}

func (d *duplex) Read(b []byte) (int, error) {
	return d.r.Read(b)
}

func (d *duplex) Write(b []byte) (int, error) {
	return d.w.Write(b)
}

func (d *duplex) Close() error {
	var err error
	if c, ok := d.w.(io.Closer); ok {
		err = c.Close()
	}
	if c, ok := d.r.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Join combines a reader and a writer into an io.ReadWriteCloser. Whichever
// halves implement io.Closer are closed with it.
func Join(r io.Reader, w io.Writer) io.ReadWriteCloser {
	return &duplex{r: r, w: w}
}

// Stdio is the runtime side of the standard transport: the subprocess's own
// stdin/stdout pair. The supervisor holds the other ends. Stderr stays free
// for logging.
func Stdio() io.ReadWriteCloser {
	return Join(os.Stdin, os.Stdout)
}
