package decoder

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/WendelHime/p2pshare/internal/shared/models"
	"github.com/jackpal/bencode-go"
)

type ManifestDecoder interface {
	Decode(io.Reader) (models.Manifest, error)
}

type decoder struct{}

func NewDecoder() ManifestDecoder {
	return decoder{}
}

var ErrInvalidManifest = errors.New("invalid manifest")

func (decoder) Decode(r io.Reader) (models.Manifest, error) {
	var manifest models.Manifest
	err := bencode.Unmarshal(r, &manifest)
	if err != nil {
		slog.Error("failed to decode manifest", slog.Any("error", err))
		return manifest, err
	}

	if err := validateManifest(manifest); err != nil {
		return models.Manifest{}, err
	}

	return manifest, nil
}

func EncodeManifest(w io.Writer, manifest models.Manifest) error {
	if err := validateManifest(manifest); err != nil {
		return err
	}
	return bencode.Marshal(w, manifest)
}

func validateManifest(manifest models.Manifest) error {
	if manifest.PieceLength < 0 {
		return fmt.Errorf("%w: negative piece length %d", ErrInvalidManifest, manifest.PieceLength)
	}

	seen := make(map[string]struct{}, len(manifest.Files))
	for _, f := range manifest.Files {
		if f.Name == "" {
			return fmt.Errorf("%w: entry without name", ErrInvalidManifest)
		}
		if err := models.CheckFileName(f.Name); err != nil {
			return fmt.Errorf("%w: %q is not a plain file name", ErrInvalidManifest, f.Name)
		}
		if f.Length < 0 {
			return fmt.Errorf("%w: %s has negative length", ErrInvalidManifest, f.Name)
		}
		if _, ok := seen[f.Name]; ok {
			return fmt.Errorf("%w: %s listed twice", ErrInvalidManifest, f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}
