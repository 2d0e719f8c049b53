package docker

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"trainingjobs/internal/runner"
)

const maxResultSize = 1 << 20

var (
	errNoResult = errors.New("result archive contains no file")
	errNotFinal = errors.New("container exited with a non-final result status")
)

// parseResultArchive reads the status document from the tar stream returned
// by CopyFromContainer. It is only read after a clean exit, so a document
// without a status counts as completed and any status other than completed
// or failed is rejected.
func parseResultArchive(r io.Reader) (*runner.StatusDocument, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, errNoResult
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read result archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if hdr.Size > maxResultSize {
			return nil, fmt.Errorf("result file too large: %d bytes", hdr.Size)
		}

		var doc runner.StatusDocument
		if err := json.NewDecoder(io.LimitReader(tr, maxResultSize)).Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
		switch doc.Status {
		case "":
			doc.Status = runner.StatusCompleted
		case runner.StatusCompleted, runner.StatusFailed:
		default:
			return nil, fmt.Errorf("%w: %q", errNotFinal, doc.Status)
		}
		return &doc, nil
	}
}
