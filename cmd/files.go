package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Ebullioscopic/WaterDrop/orchestrator"
)

// openSources opens every path for reading. The caller closes the returned
// files once their sessions end.
func openSources(paths []string) ([]orchestrator.FileSource, []*os.File, error) {
	sources := make([]orchestrator.FileSource, 0, len(paths))
	files := make([]*os.File, 0, len(paths))
	fail := func(err error) ([]orchestrator.FileSource, []*os.File, error) {
		closeFiles(files)
		return nil, nil, err
	}

	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return fail(fmt.Errorf("resolve %q: %w", path, err))
		}
		info, err := os.Stat(abs)
		if err != nil {
			return fail(fmt.Errorf("stat %q: %w", path, err))
		}
		if !info.Mode().IsRegular() {
			return fail(fmt.Errorf("%q is not a regular file", path))
		}
		f, err := os.Open(abs)
		if err != nil {
			return fail(fmt.Errorf("open %q: %w", path, err))
		}
		files = append(files, f)
		sources = append(sources, orchestrator.FileSource{
			Name:   info.Name(),
			Size:   info.Size(),
			Reader: f,
			Path:   abs,
		})
	}
	return sources, files, nil
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
