package dsym

import (
	"debug/dwarf"
	"errors"

	"github.com/grafana/machosym/pkg/archive"
	"github.com/grafana/machosym/pkg/macho"
)

var (
	ErrNoUUID   = errors.New("image has no LC_UUID command")
	ErrNotFound = errors.New("not found")
)

// Error kinds used in logs and as metric label values.
const (
	KindMalformed       = "malformed"
	KindUnsupportedArch = "unsupported_arch"
	KindIOUnavailable   = "io_unavailable"
	KindNotFound        = "not_found"
)

// ErrorKind classifies a load error. Anything that is not a format or
// lookup problem is assumed to come from the file system.
func ErrorKind(err error) string {
	var (
		archiveErr *archive.FormatError
		dwarfErr   dwarf.DecodeError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, macho.ErrUnsupportedArch):
		return KindUnsupportedArch
	case macho.IsMalformed(err),
		errors.Is(err, archive.ErrNotArchive),
		errors.As(err, &archiveErr),
		errors.As(err, &dwarfErr):
		return KindMalformed
	case errors.Is(err, ErrNoUUID), errors.Is(err, ErrNotFound):
		return KindNotFound
	}
	return KindIOUnavailable
}
