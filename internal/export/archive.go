package export

import (
	"archive/zip"
	"compress/flate"
	"fmt"
	"io"
	"os"
)

// ArchiveEntryName is the name of the JSON document inside the archive.
const ArchiveEntryName = "bookmarks.json"

// compressDocument streams the document at docPath into a zip archive at
// archivePath using maximum deflate compression. The document is read
// incrementally; it is never loaded into memory whole.
func compressDocument(docPath, archivePath string) (err error) {
	src, err := os.Open(docPath)
	if err != nil {
		return fmt.Errorf("open document: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if closeErr := dst.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close archive: %w", closeErr)
		}
	}()

	zw := zip.NewWriter(dst)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	entry, err := zw.CreateHeader(&zip.FileHeader{
		Name:   ArchiveEntryName,
		Method: zip.Deflate,
	})
	if err != nil {
		zw.Close()
		return fmt.Errorf("create archive entry: %w", err)
	}
	if _, err := io.Copy(entry, src); err != nil {
		zw.Close()
		return fmt.Errorf("compress document: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	return nil
}
