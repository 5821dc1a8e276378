// aff4imager acquires disk images, files and physical memory into AFF4
// containers, and exports streams back out of them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/mattn/go-isatty"
	"golang.org/x/xerrors"

	aff4 "github.com/aff4/go-aff4"
	"github.com/aff4/go-aff4/aff4map"
	"github.com/aff4/go-aff4/image"
	"github.com/aff4/go-aff4/internal/pmem"
	"github.com/aff4/go-aff4/rdf"
	"github.com/aff4/go-aff4/resolver"
	"github.com/aff4/go-aff4/zip"

	_ "github.com/aff4/go-aff4/stream"
)

const usageText = `aff4imager [-flags]

Acquire files and physical memory into an AFF4 container.

Examples:
  # Image physical memory into a container:
  aff4imager --output mem.aff4

  # Acquire files together with memory:
  aff4imager -m --input /boot/* --output mem.aff4

  # Export a stream out of a container:
  aff4imager --export aff4://.../proc/kcore --input mem.aff4 --output kcore.raw
`

var (
	output       = flag.String("output", "", "path of the container (or raw file) to write")
	exportURN    = flag.String("export", "", "URN (or suffix) of a stream to export from the input containers")
	format       = flag.String("format", "map", "memory stream format: map, elf or raw")
	volumeFormat = flag.String("volume_format", "aff4", "output type: aff4 container or raw file")
	compression  = flag.String("compression", "deflate", "bevy compression: stored, deflate, snappy or lz4")
	chunkSize    = flag.Int("chunk_size", image.DefaultChunkSize, "bytes per image chunk")
	chunksPerSeg = flag.Int("chunks_per_segment", image.DefaultChunksPerSegment, "chunks per bevy")
	maxVolume    = flag.String("max_volume_size", "", "split output volumes beyond this size (K/M/G suffixes)")
	truncateOut  = flag.Bool("truncate", false, "overwrite the output file instead of appending to it")
	verbose      = flag.Bool("verbose", false, "enable verbose logging")

	acquireMemory bool
	inputs        multiFlag
	pagefiles     multiFlag
)

func init() {
	flag.BoolVar(&acquireMemory, "m", false, "force acquiring memory even when other actions are given")
	flag.BoolVar(&acquireMemory, "acquire-memory", false, "force acquiring memory even when other actions are given")
	flag.Var(&inputs, "input", "files (or containers, with --export) to acquire; swallows values up to the next flag")
	flag.Var(&pagefiles, "p", "pagefile paths to capture alongside memory")
	flag.Var(&pagefiles, "pagefile", "pagefile paths to capture alongside memory")
}

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usageText)
		flag.PrintDefaults()
	}
	flag.CommandLine.Parse(expandMultiFlags(os.Args[1:], "input", "pagefile", "p"))
	if !*verbose {
		log.SetFlags(0)
	}
	if err := funcmain(); err != nil {
		log.Printf("%v", err)
		aff4.RunAtExit()
		os.Exit(aff4.ExitCode(err))
	}
	aff4.RunAtExit()
}

func funcmain() error {
	ctx, canc := aff4.InterruptibleContext()
	defer canc()

	switch *format {
	case "map", "elf", "raw":
	default:
		return xerrors.Errorf("format %q not supported: %w", *format, aff4.ErrInvalidInput)
	}
	switch *volumeFormat {
	case "aff4", "raw":
	default:
		return xerrors.Errorf("volume format %q not supported: %w", *volumeFormat, aff4.ErrInvalidInput)
	}
	method, err := image.CompressionFromName(*compression)
	if err != nil {
		return err
	}
	if *format != "map" {
		// elf and raw streams are padded and uncompressed.
		log.Printf("output format is %s - compression disabled", *format)
		method = aff4.CompressionStored
	}
	maxVolumeSize, err := parseSize(*maxVolume)
	if err != nil {
		return err
	}

	ds := resolver.NewMemoryDataStore()
	ds.Namespaces = append(ds.Namespaces,
		rdf.Namespace{Prefix: "memory", Base: aff4.MemoryNamespace})
	defer ds.Close()

	if *exportURN != "" {
		return doExport(ds)
	}
	if *output == "" {
		return xerrors.Errorf("an output file is required (--output): %w", aff4.ErrInvalidInput)
	}

	im := &imager{
		ds:            ds,
		ctx:           ctx,
		method:        method,
		maxVolumeSize: maxVolumeSize,
	}
	if *volumeFormat == "raw" {
		// No container: only one stream can be written.
		if len(inputs) > 0 || len(pagefiles) > 0 {
			return xerrors.Errorf("a raw output can hold memory only, not file inputs: %w",
				aff4.ErrInvalidInput)
		}
		return im.writeRawVolume()
	}
	if err := im.nextVolume(); err != nil {
		return err
	}

	actionsRun := false
	for _, pattern := range inputs {
		matches, err := filepath.Glob(pattern)
		if err != nil || len(matches) == 0 {
			matches = []string{pattern}
		}
		for _, path := range matches {
			if err := im.acquireFile(path); err != nil {
				return err
			}
			actionsRun = true
		}
	}
	for _, pf := range pagefiles {
		if err := im.acquireFile(pf); err != nil {
			return err
		}
		actionsRun = true
	}

	if acquireMemory || !actionsRun {
		if err := im.acquireMemory(); err != nil {
			return err
		}
	}
	return im.close()
}

// imager tracks the (possibly split) output volume chain.
type imager struct {
	ds            *resolver.DataStore
	ctx           context.Context
	method        string
	maxVolumeSize int64

	volume      *zip.ZipFile
	volumeCount int
	volumePath  string
}

// volumePathFor names the volumes of a split chain: out.aff4, out.A.aff4,
// out.B.aff4, ...
func volumePathFor(base string, n int) string {
	if n == 0 {
		return base
	}
	ext := filepath.Ext(base)
	return fmt.Sprintf("%s.%c%s", strings.TrimSuffix(base, ext), 'A'+n-1, ext)
}

func (im *imager) nextVolume() error {
	if im.volume != nil {
		if err := im.volume.Flush(); err != nil {
			return err
		}
		if err := im.volume.Close(); err != nil {
			return err
		}
	}
	im.volumePath = volumePathFor(*output, im.volumeCount)
	im.volumeCount++

	mode := aff4.WriteModeAppend
	if *truncateOut {
		mode = aff4.WriteModeTruncate
	}
	backing := rdf.NewURNFromFilename(im.volumePath)
	im.ds.Set(backing, rdf.NewURN(aff4.AttrStreamWriteMode), rdf.NewXSDString(mode))

	vol, err := zip.NewZipFile(im.ds, backing)
	if err != nil {
		return err
	}
	im.volume = vol
	im.ds.Set(vol.URN(), rdf.NewURN(aff4.AttrTool), rdf.NewXSDString(aff4.Version))
	log.Printf("writing volume %s <%s>", im.volumePath, vol.URN())
	return nil
}

// maybeSplit rolls over to a fresh volume once the current backing file
// exceeds the requested maximum. Streams are never split mid-write.
func (im *imager) maybeSplit() error {
	if im.maxVolumeSize <= 0 {
		return nil
	}
	fi, err := os.Stat(im.volumePath)
	if err != nil || fi.Size() < im.maxVolumeSize {
		return nil
	}
	return im.nextVolume()
}

func (im *imager) acquireFile(path string) error {
	src, size, err := openInput(path)
	if err != nil {
		return err
	}
	defer src.Close()

	urn := im.volume.URN().Append(strings.TrimLeft(filepath.ToSlash(path), "/"))
	img, err := image.NewImage(im.ds, urn, im.volume.URN())
	if err != nil {
		return err
	}
	img.ChunkSize = *chunkSize
	img.ChunksPerSegment = *chunksPerSeg
	img.Compression = im.method

	log.Printf("acquiring %s -> <%s>", path, urn)
	if _, err := aff4.CopyStream(img, src, size, im.progress(path, size)); err != nil {
		return err
	}
	if err := img.Flush(); err != nil {
		return err
	}
	if err := img.Close(); err != nil {
		return err
	}
	return im.maybeSplit()
}

func (im *imager) acquireMemory() error {
	source, err := pmem.New()
	if err != nil {
		return err
	}
	log.Printf("imaging memory via %s", source.Name())

	mapURN := im.volume.URN().Append("proc/kcore")
	m, err := aff4map.NewMap(im.ds, mapURN, im.volume.URN())
	if err != nil {
		return err
	}
	im.ds.Set(mapURN, rdf.NewURN(aff4.AttrCategory), urnValue(aff4.MemoryPhysical))

	length, err := source.CreateMap(im.ctx, im.ds, m)
	if err != nil {
		return err
	}
	m.SetSize(length)

	switch *format {
	case "map":
		err = im.writeMapObject(m)
	case "raw":
		err = im.writeRawFormat(m)
	case "elf":
		err = im.writeElfFormat(m)
	}
	if err != nil {
		return err
	}

	// This is the image analysis tools look for.
	im.ds.Add(mapURN, rdf.NewURN(aff4.AttrType), urnValue(aff4.TypeImage))

	if err := m.Flush(); err != nil {
		return err
	}
	if err := m.Close(); err != nil {
		return err
	}

	// These files are essential for proper analysis when KASLR is enabled.
	if len(inputs) == 0 {
		for _, path := range []string{"/proc/iomem", "/proc/kallsyms"} {
			if err := im.acquireFile(path); err != nil {
				log.Printf("acquiring %s: %v", path, err)
			}
		}
	}
	return nil
}

// writeMapObject drains the map's current targets into a compressed data
// stream inside the container and repoints the ranges at it.
func (im *imager) writeMapObject(m *aff4map.Map) error {
	data, err := image.NewImage(im.ds, m.URN().Append("data"), im.volume.URN())
	if err != nil {
		return err
	}
	data.ChunkSize = *chunkSize
	data.ChunksPerSegment = *chunksPerSeg
	data.Compression = im.method

	ranges := m.Ranges()
	size := m.Size()
	var written int64
	progress := im.progress("memory", totalLength(ranges))

	// Copy each mapped interval, then rebuild the table against the data
	// stream: the acquired container must not depend on live sources.
	if err := m.Truncate(); err != nil {
		return err
	}
	for _, r := range ranges {
		if err := im.ctx.Err(); err != nil {
			return xerrors.Errorf("interrupted: %w: %v", aff4.ErrAborted, err)
		}
		tgt, err := m.ResolveTarget(r.TargetID)
		if err != nil {
			return err
		}
		if _, err := tgt.Seek(int64(r.TargetOffset), 0); err != nil {
			return err
		}
		if _, err := aff4.CopyStream(data, tgt, int64(r.Length), progress); err != nil {
			return err
		}
		if err := m.AddRange(int64(r.MapOffset), written, int64(r.Length), data); err != nil {
			return err
		}
		written += int64(r.Length)
	}
	m.SetSize(size)
	if err := data.Flush(); err != nil {
		return err
	}
	return data.Close()
}

// writeRawFormat writes the map as one fully padded stored stream.
func (im *imager) writeRawFormat(m *aff4map.Map) error {
	raw, err := image.NewImage(im.ds, m.URN().Append("raw"), im.volume.URN())
	if err != nil {
		return err
	}
	raw.ChunkSize = *chunkSize
	raw.ChunksPerSegment = *chunksPerSeg
	raw.Compression = aff4.CompressionStored

	if _, err := m.Seek(0, 0); err != nil {
		return err
	}
	if _, err := aff4.CopyStream(raw, m, m.Size(), im.progress("memory", m.Size())); err != nil {
		return err
	}
	im.ds.Add(raw.URN(), rdf.NewURN(aff4.AttrType), urnValue(aff4.TypeImage))
	if err := raw.Flush(); err != nil {
		return err
	}
	return raw.Close()
}

// writeElfFormat writes the map as an ELF core stream: sparse ranges
// become PT_LOAD segments.
func (im *imager) writeElfFormat(m *aff4map.Map) error {
	log.Printf("will write in ELF format")
	elfStream, err := image.NewImage(im.ds, m.URN().Append("elf"), im.volume.URN())
	if err != nil {
		return err
	}
	elfStream.ChunkSize = *chunkSize
	elfStream.ChunksPerSegment = *chunksPerSeg
	elfStream.Compression = aff4.CompressionStored

	if err := pmem.WriteElfCore(elfStream, m, im.progress("memory", totalLength(m.Ranges()))); err != nil {
		return err
	}
	im.ds.Add(elfStream.URN(), rdf.NewURN(aff4.AttrType), urnValue(aff4.TypeImage))
	if err := elfStream.Flush(); err != nil {
		return err
	}
	return elfStream.Close()
}

// writeRawVolume acquires memory straight into the output file instead of
// a container: an ELF core (sparse) or a zero-padded raw dump.
func (im *imager) writeRawVolume() error {
	source, err := pmem.New()
	if err != nil {
		return err
	}
	log.Printf("imaging memory via %s into raw file %s", source.Name(), *output)

	m, err := aff4map.NewMap(im.ds, rdf.NewURN("aff4://"+filepath.Base(*output)+"/proc/kcore"), rdf.URN{})
	if err != nil {
		return err
	}
	defer m.Close()
	length, err := source.CreateMap(im.ctx, im.ds, m)
	if err != nil {
		return err
	}
	m.SetSize(length)

	t, err := renameio.TempFile("", *output)
	if err != nil {
		return xerrors.Errorf("creating %s: %w: %v", *output, aff4.ErrIOError, err)
	}
	defer t.Cleanup()
	if *format == "elf" {
		err = pmem.WriteElfCore(t, m, im.progress("memory", totalLength(m.Ranges())))
	} else {
		_, err = aff4.CopyStream(t, m, m.Size(), im.progress("memory", m.Size()))
	}
	if err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

func totalLength(ranges []aff4map.Range) int64 {
	var n int64
	for _, r := range ranges {
		n += int64(r.Length)
	}
	return n
}

func (im *imager) close() error {
	if err := im.volume.Flush(); err != nil {
		return err
	}
	return im.volume.Close()
}

// progress returns a tty progress reporter, or nil on non-interactive
// runs.
func (im *imager) progress(name string, total int64) *aff4.Progress {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		return nil
	}
	return &aff4.Progress{
		Length: total,
		Report: func(n int64) bool {
			fmt.Fprintf(os.Stderr, "\r%s: %d / %d MiB", name, n>>20, total>>20)
			return im.ctx.Err() == nil
		},
	}
}

func urnValue(s string) *rdf.URN {
	u := rdf.NewURN(s)
	return &u
}
