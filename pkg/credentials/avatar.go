package credentials

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// MaxAvatarBytes caps an uploaded avatar image.
const MaxAvatarBytes = 2 << 20

var ErrInvalidAvatar = errors.New("credentials: invalid avatar")

var avatarExtensions = map[string]bool{
	"png":  true,
	"jpg":  true,
	"jpeg": true,
	"gif":  true,
	"webp": true,
}

// AvatarStore writes avatar blobs named <username>.<ext> into a directory and
// hands back the relative URL they are served under. Serving is someone
// else's job.
type AvatarStore struct {
	fs        afero.Fs
	dir       string
	urlPrefix string
}

// NewAvatarStore stores files under dir on fs and references them as
// urlPrefix/<file>.
func NewAvatarStore(fs afero.Fs, dir, urlPrefix string) (*AvatarStore, error) {
	if err := fs.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("credentials: create avatar dir: %w", err)
	}
	return &AvatarStore{fs: fs, dir: dir, urlPrefix: strings.TrimRight(urlPrefix, "/")}, nil
}

// NormalizeExt lowercases ext, strips a leading dot and checks the allow-list.
func NormalizeExt(ext string) (string, error) {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	if !avatarExtensions[ext] {
		return "", fmt.Errorf("%w: unsupported extension %q", ErrInvalidAvatar, ext)
	}
	return ext, nil
}

// Save writes data for username and returns the relative URL.
func (a *AvatarStore) Save(username, ext string, data []byte) (string, error) {
	ext, err := NormalizeExt(ext)
	if err != nil {
		return "", err
	}
	if len(data) == 0 || len(data) > MaxAvatarBytes {
		return "", fmt.Errorf("%w: size %d outside 1..%d bytes", ErrInvalidAvatar, len(data), MaxAvatarBytes)
	}
	name := username + "." + ext
	if err := afero.WriteFile(a.fs, path.Join(a.dir, name), data, 0o640); err != nil {
		return "", fmt.Errorf("credentials: write avatar: %w", err)
	}
	return a.urlPrefix + "/" + name, nil
}

// Remove deletes the file behind ref. Unknown or foreign refs are ignored.
func (a *AvatarStore) Remove(ref string) error {
	if ref == "" || !strings.HasPrefix(ref, a.urlPrefix+"/") {
		return nil
	}
	name := path.Base(ref)
	if name == "." || name == "/" || strings.Contains(name, "..") {
		return nil
	}
	err := a.fs.Remove(path.Join(a.dir, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("credentials: remove avatar: %w", err)
	}
	return nil
}

// Exists reports whether the file behind ref is present.
func (a *AvatarStore) Exists(ref string) bool {
	if !strings.HasPrefix(ref, a.urlPrefix+"/") {
		return false
	}
	ok, err := afero.Exists(a.fs, path.Join(a.dir, path.Base(ref)))
	return err == nil && ok
}
