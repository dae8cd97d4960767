package targetfiles

import "github.com/otacompose/engine/internal/fileblob"

// bootableImageLocations lists, in lookup order, the archive subtrees a
// prebuilt bootable image may live under: the modern IMAGES/ directory,
// the image's own per-name subtree (BOOT/, RECOVERY/, ...), and the
// RADIO/ firmware subtree used for ifwi/capsule/ulpmc/esp payloads.
func bootableImageLocations(name, fileName string) []string {
	return []string{
		"IMAGES/" + fileName,
		upper(name) + "/" + fileName,
		"RADIO/" + fileName,
	}
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

// GetBootableImage fetches the prebuilt blob for a logical image name.
// fileName is the image's file-name convention, e.g. "boot.img" or
// "ifwi.zip". Returns (nil, nil) when the archive carries no such image.
func (a *Archive) GetBootableImage(name, fileName string) (*fileblob.Blob, error) {
	for _, loc := range bootableImageLocations(name, fileName) {
		data, ok, err := a.ReadFile(loc)
		if err != nil {
			return nil, err
		}
		if ok {
			return fileblob.New(fileName, data), nil
		}
	}
	return nil, nil
}
