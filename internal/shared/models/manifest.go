package models

// Manifest describes the files a peer shares. It is stored bencoded at the
// configured meta file path.
type Manifest struct {
	PieceLength int             `bencode:"piece length"`
	Files       []ManifestEntry `bencode:"files"`
}

type ManifestEntry struct {
	Name   string `bencode:"name"`
	Length int64  `bencode:"length"`
}

func (m Manifest) SharedFiles() []SharedFile {
	files := make([]SharedFile, len(m.Files))
	for i, f := range m.Files {
		files[i] = SharedFile{Name: f.Name, Size: f.Length}
	}
	return files
}
