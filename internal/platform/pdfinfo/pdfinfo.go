package pdfinfo

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	pkgerrors "github.com/yungbote/askpdf-backend/internal/pkg/errors"
)

var pdfMagic = []byte("%PDF-")

type Info struct {
	Pages int
}

var configOnce sync.Once

func config() *model.Configuration {
	configOnce.Do(api.DisableConfigDir)
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return cfg
}

// Inspect rejects anything that does not parse as a PDF and reports its page
// count.
func Inspect(data []byte) (Info, error) {
	if len(data) == 0 {
		return Info{}, fmt.Errorf("empty file: %w", pkgerrors.ErrInvalidArgument)
	}
	if !bytes.HasPrefix(bytes.TrimLeft(data[:min(len(data), 1024)], "\x00\t\r\n "), pdfMagic) {
		return Info{}, fmt.Errorf("not a PDF: %w", pkgerrors.ErrInvalidArgument)
	}
	n, err := api.PageCount(bytes.NewReader(data), config())
	if err != nil {
		return Info{}, fmt.Errorf("unreadable PDF (%v): %w", err, pkgerrors.ErrInvalidArgument)
	}
	return Info{Pages: n}, nil
}
