package main

import (
	"io"
	"log"
	"os"
	"strings"

	"github.com/google/renameio"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/xerrors"

	aff4 "github.com/aff4/go-aff4"
	"github.com/aff4/go-aff4/internal/env"
	"github.com/aff4/go-aff4/rdf"
	"github.com/aff4/go-aff4/resolver"
	"github.com/aff4/go-aff4/zip"
)

// openInput opens a source file for acquisition, transparently unwrapping
// gzip-compressed images (dd.gz and friends).
func openInput(path string) (io.ReadCloser, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, xerrors.Errorf("opening %s: %w: %v", path, aff4.ErrIOError, err)
	}
	size := int64(0)
	if fi, err := f.Stat(); err == nil {
		size = fi.Size()
	}

	var magic [2]byte
	if _, err := io.ReadFull(f, magic[:]); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return nil, 0, err
		}
		gz, err := pgzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, 0, xerrors.Errorf("opening %s as gzip: %w: %v", path, aff4.ErrInvalidInput, err)
		}
		log.Printf("%s is gzip compressed", path)
		return &gzipInput{gz: gz, f: f}, int64(1) << 62, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, err
	}
	// /proc files stat as empty but still have content.
	if size == 0 {
		size = int64(1) << 62
	}
	return f, size, nil
}

type gzipInput struct {
	gz *pgzip.Reader
	f  *os.File
}

func (g *gzipInput) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipInput) Close() error {
	g.gz.Close()
	return g.f.Close()
}

// doExport copies one stream out of the input containers into --output,
// written atomically so a failed export never leaves a half file.
func doExport(ds *resolver.DataStore) error {
	if len(inputs) == 0 {
		return xerrors.Errorf("--export requires input containers: %w", aff4.ErrInvalidInput)
	}
	if *output == "" {
		return xerrors.Errorf("--export requires an output path: %w", aff4.ErrInvalidInput)
	}

	var volumes []*zip.ZipFile
	for _, path := range inputs {
		backing := rdf.NewURNFromFilename(path)
		ds.Set(backing, rdf.NewURN(aff4.AttrStreamWriteMode), rdf.NewXSDString(aff4.WriteModeRead))
		vol, err := zip.NewZipFile(ds, backing)
		if err != nil {
			return err
		}
		volumes = append(volumes, vol)
	}

	urn := rdf.NewURN(*exportURN)
	if !strings.Contains(*exportURN, "://") {
		// A suffix: resolve against the first volume.
		urn = volumes[0].URN().Append(*exportURN)
	}

	scoped, err := resolver.Open[aff4.Stream](ds, urn)
	if err != nil {
		return xerrors.Errorf("exporting <%s>: %w", urn, err)
	}
	defer scoped.Close()

	t, err := renameio.TempFile(env.TempDir, *output)
	if err != nil {
		return xerrors.Errorf("creating %s: %w: %v", *output, aff4.ErrIOError, err)
	}
	defer t.Cleanup()

	src := scoped.Obj
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return err
	}
	log.Printf("exporting <%s> (%d bytes) to %s", urn, src.Size(), *output)
	if _, err := aff4.CopyStream(t, src, src.Size(), nil); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}
