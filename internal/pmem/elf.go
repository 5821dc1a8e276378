package pmem

import (
	"debug/elf"
	"encoding/binary"
	"io"

	aff4 "github.com/aff4/go-aff4"
	"github.com/aff4/go-aff4/aff4map"
)

// elf64Ehdr is the ELF64 file header, packed little-endian.
type elf64Ehdr struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// elf64Phdr is one ELF64 program header.
type elf64Phdr struct {
	Type   uint32
	Flags  uint32
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

func elfIdent() [16]byte {
	var ident [16]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	return ident
}

// WriteElfCore writes m as an ELF core file: one PT_LOAD segment per map
// range, segment data concatenated after the headers. Sparse images stay
// sparse; readers seeking an unmapped physical address get no segment.
func WriteElfCore(w io.Writer, m *aff4map.Map, progress *aff4.Progress) error {
	ranges := m.Ranges()
	ehSize := uint64(binary.Size(elf64Ehdr{}))
	phSize := uint64(binary.Size(elf64Phdr{}))

	if err := binary.Write(w, binary.LittleEndian, elf64Ehdr{
		Ident:     elfIdent(),
		Type:      uint16(elf.ET_CORE),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     ehSize,
		Ehsize:    uint16(ehSize),
		Phentsize: uint16(phSize),
		Phnum:     uint16(len(ranges)),
	}); err != nil {
		return err
	}

	fileOff := ehSize + phSize*uint64(len(ranges))
	for _, r := range ranges {
		if err := binary.Write(w, binary.LittleEndian, elf64Phdr{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R),
			Off:    fileOff,
			Vaddr:  r.MapOffset,
			Paddr:  r.MapOffset,
			Filesz: r.Length,
			Memsz:  r.Length,
		}); err != nil {
			return err
		}
		fileOff += r.Length
	}

	for _, r := range ranges {
		if _, err := m.Seek(int64(r.MapOffset), io.SeekStart); err != nil {
			return err
		}
		if _, err := aff4.CopyStream(w, m, int64(r.Length), progress); err != nil {
			return err
		}
	}
	return nil
}
