// Package deck installs downloaded .apkg packages into the local decks
// directory for the host application to import.
package deck

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/huyvng/decksync/internal/api"
)

// Installer writes deck packages under a single directory.
type Installer struct {
	dir string
}

// NewInstaller creates an installer rooted at dir.
func NewInstaller(dir string) *Installer {
	return &Installer{dir: dir}
}

// PackagePath returns where a deck's package lives once installed.
func (i *Installer) PackagePath(lmsDeckID int64) string {
	return filepath.Join(i.dir, fmt.Sprintf("deck_%d.apkg", lmsDeckID))
}

// Install streams a download to disk. The bytes land in a .partial file and
// replace the installed package only after the full body arrives, so an
// interrupted download never corrupts an installed deck.
func (i *Installer) Install(dl *api.DeckDownload) (string, error) {
	if err := os.MkdirAll(i.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create decks directory: %w", err)
	}

	final := i.PackagePath(dl.LMSDeckID)
	partial := final + ".partial"

	f, err := os.Create(partial)
	if err != nil {
		return "", fmt.Errorf("failed to create partial file: %w", err)
	}

	n, err := io.Copy(f, dl.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(partial)
		return "", &api.NetworkError{Op: "download deck", Err: err}
	}
	if n == 0 {
		os.Remove(partial)
		return "", fmt.Errorf("deck %d download was empty", dl.LMSDeckID)
	}

	if err := os.Rename(partial, final); err != nil {
		os.Remove(partial)
		return "", fmt.Errorf("failed to install deck %d: %w", dl.LMSDeckID, err)
	}
	return final, nil
}
