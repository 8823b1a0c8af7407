package postprocess

import (
	"archive/tar"
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Extracted is one unpacked results_<test>.zip bundle. ResultDir is
// the inner <test>_<timestamp> directory holding the wrapper's output
// files.
type Extracted struct {
	TestName  string
	TempDir   string
	ResultDir string
}

// File returns the path of a named file inside the result directory,
// or "" when the wrapper did not produce it.
func (e *Extracted) File(name string) string {
	path := filepath.Join(e.ResultDir, name)
	_, err := os.Stat(path)
	if err != nil {
		return ""
	}
	return path
}

// ReadFile reads a named result file, returning "" when absent.
func (e *Extracted) ReadFile(name string) string {
	path := e.File(name)
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// Close removes the temp directory the archive was unpacked into.
func (e *Extracted) Close() error {
	return os.RemoveAll(e.TempDir)
}

// ExtractResultArchive unpacks a results_<test>.zip bundle. Wrappers
// nest a results_<test>_.tar inside the zip, and the tar holds one
// <test>_<timestamp> directory with the actual result files.
func ExtractResultArchive(zipPath string) (*Extracted, error) {
	base := filepath.Base(zipPath)
	if !strings.HasPrefix(base, "results_") || !strings.HasSuffix(base, ".zip") {
		return nil, fmt.Errorf("%q is not a results_<test>.zip archive", zipPath)
	}
	testName := strings.TrimSuffix(strings.TrimPrefix(base, "results_"), ".zip")

	tempDir, err := os.MkdirTemp("", "zathras_"+testName+"_")
	if err != nil {
		return nil, err
	}
	ex := &Extracted{TestName: testName, TempDir: tempDir}

	err = ex.extract(zipPath)
	if err != nil {
		_ = ex.Close()
		return nil, err
	}
	return ex, nil
}

func (e *Extracted) extract(zipPath string) error {
	err := unzip(zipPath, e.TempDir)
	if err != nil {
		return fmt.Errorf("can't unzip %s: %w", zipPath, err)
	}

	tarFiles, err := filepath.Glob(filepath.Join(e.TempDir, "results_*.tar"))
	if err != nil || len(tarFiles) == 0 {
		return fmt.Errorf("no results tar found inside %s", zipPath)
	}
	err = untar(tarFiles[0], e.TempDir)
	if err != nil {
		return fmt.Errorf("can't untar %s: %w", tarFiles[0], err)
	}

	entries, err := os.ReadDir(e.TempDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			e.ResultDir = filepath.Join(e.TempDir, entry.Name())
			return nil
		}
	}
	return fmt.Errorf("no result directory found inside %s", zipPath)
}

func unzip(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		dest, err := securePath(destDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			err = os.MkdirAll(dest, 0o755)
			if err != nil {
				return err
			}
			continue
		}
		err = writeEntry(dest, func() (io.ReadCloser, error) { return f.Open() })
		if err != nil {
			return err
		}
	}
	return nil
}

func untar(tarPath, destDir string) error {
	f, err := os.Open(tarPath)
	if err != nil {
		return err
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		dest, err := securePath(destDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			err = os.MkdirAll(dest, 0o755)
		case tar.TypeReg:
			err = writeEntry(dest, func() (io.ReadCloser, error) { return io.NopCloser(tr), nil })
		default:
			continue
		}
		if err != nil {
			return err
		}
	}
}

// securePath rejects entries that would escape the extraction dir.
func securePath(destDir, name string) (string, error) {
	dest := filepath.Join(destDir, name)
	if !strings.HasPrefix(dest, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes extraction directory", name)
	}
	return dest, nil
}

func writeEntry(dest string, open func() (io.ReadCloser, error)) error {
	err := os.MkdirAll(filepath.Dir(dest), 0o755)
	if err != nil {
		return err
	}
	src, err := open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, src)
	cerr := out.Close()
	if err != nil {
		return err
	}
	return cerr
}
