package export

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

const docxMime = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

func pandocArgs(doc rendered) []string {
	return []string{
		"--from=html",
		"--to=docx",
		"--metadata=title:" + doc.title,
		"--metadata=subject:" + doc.key.String(),
		"--output=-",
	}
}

// exportDOCX converts the rendered page with pandoc, reading HTML on
// stdin and the document from stdout.
func (s *Service) exportDOCX(ctx context.Context, doc rendered) (*Result, error) {
	pandoc, err := s.lookPath("pandoc")
	if err != nil {
		return nil, fmt.Errorf("%w: pandoc not installed", ErrDOCXDependencyMissing)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, pandoc, pandocArgs(doc)...)
	cmd.Stdin = strings.NewReader(doc.html)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("convert %s to docx: %w: %s", doc.key, err, msg)
		}
		return nil, fmt.Errorf("convert %s to docx: %w", doc.key, err)
	}
	return fileResult(doc.title, "docx", docxMime, stdout.Bytes()), nil
}
