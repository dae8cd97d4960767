package imageplan

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"text/template"

	"github.com/otacompose/engine/internal/difftool"
	"github.com/otacompose/engine/internal/fileblob"
)

// bootMagic is the fixed 8-byte header tag of an Android boot image.
const bootMagic = "ANDROID!"

// BootHeader is the subset of an Android boot image header needed
// to locate a boot image's trailing signature region.
type BootHeader struct {
	KernelSize  uint32
	RamdiskSize uint32
	SecondSize  uint32
	PageSize    uint32
	SigSize     uint32
}

// ParseBootHeader reads the ANDROID! magic and the nine 32-bit
// little-endian header words that follow it. ok is false when data is
// too short or the magic doesn't match, in which case the caller falls
// back to the fixed signature region.
func ParseBootHeader(data []byte) (hdr BootHeader, ok bool) {
	const headerWords = 9
	if len(data) < len(bootMagic)+headerWords*4 {
		return BootHeader{}, false
	}
	if string(data[:len(bootMagic)]) != bootMagic {
		return BootHeader{}, false
	}
	words := make([]uint32, headerWords)
	base := len(bootMagic)
	for i := 0; i < headerWords; i++ {
		words[i] = binary.LittleEndian.Uint32(data[base+i*4 : base+i*4+4])
	}
	// word layout: kernel_size, kernel_addr, ramdisk_size, ramdisk_addr,
	// second_size, second_addr, tags_addr, page_size, header_version/sig.
	return BootHeader{
		KernelSize:  words[0],
		RamdiskSize: words[2],
		SecondSize:  words[4],
		PageSize:    words[7],
		SigSize:     words[8],
	}, true
}

// minBootHeaderSize is the smallest blob that can hold a boot-style
// header: the magic plus nine 32-bit words.
const minBootHeaderSize = len(bootMagic) + 9*4

// PlausibleBootImage reports whether data can carry a boot-style
// header: either a parseable ANDROID! header, or an OSIP-style block at
// least big enough for the nine header words. Patching between blobs
// that fail this check would hand a garbage signature region to the
// patch capability, so the planner downgrades such pairs to a full
// flash.
func PlausibleBootImage(data []byte) bool {
	if _, ok := ParseBootHeader(data); ok {
		return true
	}
	return len(data) >= minBootHeaderSize
}

func ceilDiv(a, b uint32) uint32 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// SignatureRegion is a byte range within the recovery image that
// install-recovery.sh hashes on the device to tell whether the recovery
// partition already holds this image.
type SignatureRegion struct {
	Offset int64
	Length int64
}

// FallbackRegion is the signature region used when the recovery image
// carries no parseable ANDROID! header.
type FallbackRegion struct {
	Offset int64
	Length int64
}

// DefaultFallbackRegion is the fixed [512, 992) region.
var DefaultFallbackRegion = FallbackRegion{Offset: 512, Length: 480}

func signatureRegion(recoveryData []byte, fallback FallbackRegion) *SignatureRegion {
	hdr, ok := ParseBootHeader(recoveryData)
	if !ok {
		return &SignatureRegion{Offset: fallback.Offset, Length: fallback.Length}
	}
	if hdr.SigSize == 0 {
		return nil
	}
	pageCount := ceilDiv(hdr.KernelSize, hdr.PageSize) +
		ceilDiv(hdr.RamdiskSize, hdr.PageSize) +
		ceilDiv(hdr.SecondSize, hdr.PageSize) + 1
	return &SignatureRegion{
		Offset: int64(pageCount) * int64(hdr.PageSize),
		Length: int64(hdr.SigSize),
	}
}

// RecoveryPatch is the output of BuildRecoveryFromBoot: the bsdiff-style
// patch transforming the boot image into the recovery image, and the
// rendered install-recovery.sh contents that apply it on-device.
type RecoveryPatch struct {
	PatchData       []byte
	PatchSHA1       string
	SourceSHA1      string
	TargetSHA1      string
	TargetSize      int64
	Region          *SignatureRegion
	RegionCheckSHA1 string
	InstallScript   string
}

// update_recovery checks the recovery partition's signature region
// against --check-sha1 and, on mismatch, rebuilds recovery by applying
// --patch to the boot image, verifying boot against --src-sha1 and the
// result against --tgt-sha1/--tgt-size.
const installRecoveryScriptTemplate = `#!/system/bin/sh
/system/bin/update_recovery{{if .HasCheck}} --check-sha1 {{.RegionCheckSHA1}}{{end}} --src-sha1 {{.SourceSHA1}} --tgt-sha1 {{.TargetSHA1}} --tgt-size {{.TargetSize}} --patch /system/recovery-from-boot.p
`

type installRecoveryScriptData struct {
	TargetSize      int64
	TargetSHA1      string
	SourceSHA1      string
	HasCheck        bool
	RegionCheckSHA1 string
}

// BuildRecoveryFromBoot constructs the recovery-from-boot patch:
// a patch transforming the boot image into the recovery image, plus the
// install-recovery.sh script that applies it, gated by a signature-region
// check derived from the recovery image's own boot header (or the fixed
// fallback region when the header can't be parsed). A parsed header with
// a zero signature size yields no region and no check.
func BuildRecoveryFromBoot(ctx context.Context, boot, recovery *fileblob.Blob, computer difftool.PatchComputer, fallback FallbackRegion) (RecoveryPatch, error) {
	if computer == nil {
		computer = difftool.NewExecPatchComputer("")
	}
	patch, err := computer.ComputePatch(ctx, recovery.Data(), boot.Data())
	if err != nil {
		return RecoveryPatch{}, fmt.Errorf("imageplan: compute recovery-from-boot patch: %w", err)
	}

	region := signatureRegion(recovery.Data(), fallback)
	var checkSHA1 string
	if region != nil {
		end := region.Offset + region.Length
		if region.Offset >= 0 && end <= int64(len(recovery.Data())) {
			checkSHA1 = fileblob.SHA1Hex(recovery.Data()[region.Offset:end])
		}
	}

	tmpl := template.Must(template.New("install-recovery").Parse(installRecoveryScriptTemplate))
	var sb strings.Builder
	if err := tmpl.Execute(&sb, installRecoveryScriptData{
		TargetSize:      recovery.Size(),
		TargetSHA1:      recovery.SHA1(),
		SourceSHA1:      boot.SHA1(),
		HasCheck:        checkSHA1 != "",
		RegionCheckSHA1: checkSHA1,
	}); err != nil {
		return RecoveryPatch{}, fmt.Errorf("imageplan: render install-recovery.sh: %w", err)
	}

	return RecoveryPatch{
		PatchData:       patch,
		PatchSHA1:       fileblob.SHA1Hex(patch),
		SourceSHA1:      boot.SHA1(),
		TargetSHA1:      recovery.SHA1(),
		TargetSize:      recovery.Size(),
		Region:          region,
		RegionCheckSHA1: checkSHA1,
		InstallScript:   sb.String(),
	}, nil
}
