package macho

import "fmt"

const (
	MagicMH      uint32 = 0xfeedface
	MagicCIGAM   uint32 = 0xcefaedfe
	MagicMH64    uint32 = 0xfeedfacf
	MagicCIGAM64 uint32 = 0xcffaedfe

	MagicFat        uint32 = 0xcafebabe
	MagicFatCIGAM   uint32 = 0xbebafeca
	MagicFat64      uint32 = 0xcafebabf
	MagicFatCIGAM64 uint32 = 0xbfbafeca
)

const (
	fatHeaderSize = 8
	fatArchSize32 = 20
	fatArchSize64 = 32
)

// Cpu is a Mach-O cpu type.
type Cpu uint32

const cpuArch64 = 0x01000000

const (
	CpuX86    Cpu = 7
	CpuX86_64 Cpu = CpuX86 | cpuArch64
	CpuARM    Cpu = 12
	CpuARM64  Cpu = CpuARM | cpuArch64
	CpuPPC    Cpu = 18
	CpuPPC64  Cpu = CpuPPC | cpuArch64
)

var cpuNames = map[Cpu]string{
	CpuX86:    "i386",
	CpuX86_64: "x86_64",
	CpuARM:    "arm",
	CpuARM64:  "arm64",
	CpuPPC:    "ppc",
	CpuPPC64:  "ppc64",
}

func (c Cpu) String() string {
	if s, ok := cpuNames[c]; ok {
		return s
	}
	return fmt.Sprintf("cpu(%#x)", uint32(c))
}

// FileType is the filetype field of a Mach-O header.
type FileType uint32

const (
	TypeObject  FileType = 0x1
	TypeExecute FileType = 0x2
	TypeCore    FileType = 0x4
	TypeDylib   FileType = 0x6
	TypeBundle  FileType = 0x8
	TypeDSYM    FileType = 0xa
)

var fileTypeNames = map[FileType]string{
	TypeObject:  "object",
	TypeExecute: "execute",
	TypeCore:    "core",
	TypeDylib:   "dylib",
	TypeBundle:  "bundle",
	TypeDSYM:    "dsym",
}

func (t FileType) String() string {
	if s, ok := fileTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("filetype(%#x)", uint32(t))
}

// nlist n_type masks and values.
const (
	nStab uint8 = 0xe0
	nType uint8 = 0x0e

	nUndf uint8 = 0x0
	nPbud uint8 = 0xc
)

// stab types relevant for the debug map.
const (
	nFun uint8 = 0x24
	nSO  uint8 = 0x64
	nOSO uint8 = 0x66
)

// section types without file contents.
const (
	sectionTypeMask      = 0xff
	sZeroFill            = 0x1
	sGBZeroFill          = 0xc
	sThreadLocalZeroFill = 0x12
)

const (
	SegmentDWARF = "__DWARF"
	SegmentText  = "__TEXT"
)
