package installer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrPartitionNotFound is returned by DispatchFlash when a partition
// table is present but no line names the given image.
type ErrPartitionNotFound struct{ ImageName string }

func (e *ErrPartitionNotFound) Error() string {
	return fmt.Sprintf("installer: no partition table entry for %q", e.ImageName)
}

var lbaPattern = regexp.MustCompile(`-b\s+(\d+)`)

// DispatchFlash picks the flash primitive for an image: esp/ifwi/capsule/ulpmc
// get their dedicated primitives; any other name with no partition
// table gets flash_os_image; with a partition table, the matching
// "-l <name>" line's "-b <lba_start>" is used to compute a byte offset
// for flash_image_at_offset.
func DispatchFlash(s *Script, imageName, partitionTable string) error {
	switch imageName {
	case "esp":
		s.FlashESPUpdate()
		return nil
	case "ifwi":
		s.FlashIFWI()
		return nil
	case "capsule":
		s.FlashCapsule()
		return nil
	case "ulpmc":
		s.FlashULPMC()
		return nil
	}

	if partitionTable == "" {
		s.FlashOSImage(imageName)
		return nil
	}

	lineMatch := regexp.MustCompile(`(?i)-l\s+` + regexp.QuoteMeta(imageName) + `\b`)
	for _, line := range strings.Split(partitionTable, "\n") {
		if !lineMatch.MatchString(line) {
			continue
		}
		m := lbaPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		lba, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		s.FlashImageAtOffset(imageName, lba*512)
		return nil
	}
	return &ErrPartitionNotFound{ImageName: imageName}
}
