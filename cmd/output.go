package main

import (
	"io"
	"os"

	"github.com/rotisserie/eris"
)

// writeOutput runs write against path, or against stdout when path is empty
// or "-". It reports whether a file was written. A failed close of the file
// is returned so a short write is never reported as success.
func writeOutput(path string, write func(io.Writer) error) (toFile bool, err error) {
	if path == "" || path == "-" {
		return false, write(os.Stdout)
	}

	f, err := os.Create(path)
	if err != nil {
		return false, eris.Wrapf(err, "create output file %s", path)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = eris.Wrapf(cerr, "close output file %s", path)
		}
	}()

	return true, write(f)
}
