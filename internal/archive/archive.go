// Package archive packages page images into zip archives for transport
// to the scoring service, and unpacks them back into ordered pages.
package archive

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pavelanni/gradescan/internal/model"
)

// DefaultCompression is the flate level used when the caller passes a
// level outside the valid range. PNG data is already compressed, so a
// low level keeps packaging fast without growing the archive.
const DefaultCompression = flate.BestSpeed

// Pack writes the pages into a zip archive in slice order. Each entry
// keeps the page's own name; baseName becomes a single top-level
// directory inside the archive when non-empty.
func Pack(pages []model.PageImage, baseName string, level int) ([]byte, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages to pack")
	}
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		level = DefaultCompression
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})

	for _, p := range pages {
		name := p.Name
		if baseName != "" {
			name = baseName + "/" + p.Name
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:   name,
			Method: zip.Deflate,
		})
		if err != nil {
			zw.Close()
			return nil, fmt.Errorf("create zip entry %s: %w", name, err)
		}
		if _, err := w.Write(p.Data); err != nil {
			zw.Close()
			return nil, fmt.Errorf("write zip entry %s: %w", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize zip: %w", err)
	}
	return buf.Bytes(), nil
}

// Unpack reads page images back out of a zip archive. Entries are
// returned sorted by name, which restores page order for archives
// produced by Pack. Directory entries are skipped.
func Unpack(data []byte) ([]model.PageImage, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}

	var pages []model.PageImage
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open zip entry %s: %w", f.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read zip entry %s: %w", f.Name, err)
		}
		name := f.Name
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		pages = append(pages, model.PageImage{Name: name, Data: content})
	}

	sort.Slice(pages, func(i, j int) bool { return pages[i].Name < pages[j].Name })
	for i := range pages {
		pages[i].Index = i
	}
	return pages, nil
}
