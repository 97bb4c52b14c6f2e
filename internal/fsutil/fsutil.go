package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var frameExts = map[string]struct{}{
	".png":  {},
	".tif":  {},
	".tiff": {},
	".fits": {},
	".fit":  {},
	".fts":  {},
	".pgm":  {},
	".pnm":  {},
	".jpg":  {},
	".jpeg": {},
}

var captureExts = map[string]struct{}{
	".fits": {},
	".fit":  {},
	".fts":  {},
	".tif":  {},
	".tiff": {},
	".pgm":  {},
}

// ListFrames returns all frame-like files under root in lexical order, so
// numbered capture sequences come back in capture order.
func ListFrames(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if _, ok := frameExts[ext]; ok {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsCaptureFile checks for the formats capture software writes directly.
func IsCaptureFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := captureExts[ext]
	return ok
}

// IsFrameFile checks if a file is any supported frame format.
func IsFrameFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := frameExts[ext]
	return ok
}

// OutputPath places the registered counterpart of input under outDir,
// keeping the base name and inserting suffix before the extension, which
// is replaced by ext when non-empty.
func OutputPath(input, outDir, suffix, ext string) string {
	base := filepath.Base(input)
	oldExt := filepath.Ext(base)
	name := strings.TrimSuffix(base, oldExt)
	if ext == "" {
		ext = oldExt
	} else if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return filepath.Join(outDir, name+suffix+ext)
}
