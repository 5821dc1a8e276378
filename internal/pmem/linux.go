//go:build linux

package pmem

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"io"
	"log"
	"regexp"
	"sort"
	"strconv"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	aff4 "github.com/aff4/go-aff4"
	"github.com/aff4/go-aff4/aff4map"
	"github.com/aff4/go-aff4/resolver"
	"github.com/aff4/go-aff4/stream"
)

func platformSource() (Source, error) {
	return &linuxSource{}, nil
}

// linuxSource images physical memory through /proc/kcore: the kernel maps
// every physical range into its own virtual address space and exports the
// mapping as ELF64 core program headers. /proc/iomem names which physical
// ranges are System RAM.
type linuxSource struct{}

func (*linuxSource) Name() string { return "linux_pmem" }

var ramRangeRE = regexp.MustCompile(`([0-9a-f]+)-([0-9a-f]+) : System RAM`)

// parseIOMap returns the physical offsets of all System RAM mappings.
func parseIOMap(ds *resolver.DataStore) ([]RAMRange, error) {
	iomem, err := stream.NewFileBackedObject(ds, "/proc/iomem", aff4.WriteModeRead)
	if err != nil {
		return nil, err
	}
	defer iomem.Close()

	data := make([]byte, 0x10000)
	n, _ := io.ReadFull(iomem, data)
	var ram []RAMRange
	for _, match := range ramRangeRE.FindAllStringSubmatch(string(data[:n]), -1) {
		start, err := strconv.ParseInt(match[1], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseInt(match[2], 16, 64)
		if err != nil {
			continue
		}
		log.Printf("System RAM %x - %x", start, end)
		ram = append(ram, RAMRange{Start: start, Length: end - start})
	}
	if len(ram) == 0 {
		return nil, xerrors.Errorf("/proc/iomem has no System RAM: %w", aff4.ErrIOError)
	}
	return ram, nil
}

func (s *linuxSource) CreateMap(ctx context.Context, ds *resolver.DataStore, m *aff4map.Map) (int64, error) {
	log.Printf("processing /proc/kcore")
	if unix.Geteuid() != 0 {
		log.Printf("not running as root, /proc/kcore is likely unreadable")
	}
	ram, err := parseIOMap(ds)
	if err != nil {
		return 0, err
	}

	kcore, err := stream.NewFileBackedObject(ds, "/proc/kcore", aff4.WriteModeRead)
	if err != nil {
		return 0, xerrors.Errorf("unable to open /proc/kcore - are you root? %w", err)
	}

	var header elf64Ehdr
	hdr := make([]byte, binary.Size(header))
	if _, err := io.ReadFull(kcore, hdr); err != nil {
		kcore.Close()
		return 0, xerrors.Errorf("unable to read /proc/kcore - are you root? %w: %v", aff4.ErrIOError, err)
	}
	if err := binary.Read(bytes.NewReader(hdr), binary.LittleEndian, &header); err != nil {
		kcore.Close()
		return 0, err
	}

	// Check the header for sanity.
	want := elfIdent()
	if !bytes.Equal(header.Ident[:int(elf.EI_VERSION)+1], want[:int(elf.EI_VERSION)+1]) ||
		header.Type != uint16(elf.ET_CORE) ||
		header.Machine != uint16(elf.EM_X86_64) ||
		header.Version != uint32(elf.EV_CURRENT) ||
		header.Phentsize != uint16(binary.Size(elf64Phdr{})) {
		kcore.Close()
		return 0, xerrors.Errorf("unable to parse /proc/kcore: %w", aff4.ErrInvalidInput)
	}

	if _, err := kcore.Seek(int64(header.Phoff), io.SeekStart); err != nil {
		kcore.Close()
		return 0, err
	}
	var segments []elf64Phdr
	for i := 0; i < int(header.Phnum); i++ {
		var ph elf64Phdr
		buf := make([]byte, binary.Size(ph))
		if _, err := io.ReadFull(kcore, buf); err != nil {
			kcore.Close()
			return 0, xerrors.Errorf("reading /proc/kcore program headers: %w: %v", aff4.ErrIOError, err)
		}
		if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &ph); err != nil {
			kcore.Close()
			return 0, err
		}
		if ph.Type != uint32(elf.PT_LOAD) || ph.Memsz != ph.Filesz {
			continue
		}
		segments = append(segments, ph)
	}
	if len(segments) == 0 {
		kcore.Close()
		return 0, xerrors.Errorf("no ranges found in /proc/kcore: %w", aff4.ErrNotFound)
	}

	// Physical memory ranges come first when sorted by virtual address.
	sort.Slice(segments, func(i, j int) bool { return segments[i].Vaddr < segments[j].Vaddr })

	// Match each exported region against the next wanted physical range;
	// old kernels report paddr 0 for everything, in which case the first
	// region's offset anchors the mapping.
	var length int64
	next := 0
	for _, ph := range segments {
		if ph.Paddr != 0 && int64(ph.Paddr) != ram[next].Start {
			log.Printf("skipped range %x - %x @ %x", ph.Vaddr, ph.Memsz, ph.Off)
			continue
		}
		log.Printf("found range %x/%x @ %x/%x", ph.Paddr, ph.Memsz, ph.Vaddr, ph.Off)
		if err := m.AddRange(int64(ph.Paddr), int64(ph.Off), int64(ph.Memsz), kcore); err != nil {
			kcore.Close()
			return 0, err
		}
		if end := int64(ph.Paddr + ph.Memsz); end > length {
			length = end
		}
		next++
		if next >= len(ram) {
			break
		}
	}
	if m.Size() == 0 {
		kcore.Close()
		return 0, xerrors.Errorf("no usable ranges in /proc/kcore: %w", aff4.ErrNotFound)
	}

	// The kcore stream must outlive this function; the map owns it now.
	m.GiveTarget(kcore)
	return length, ctx.Err()
}
