package models

// PieceCount is the number of pieces a file of size bytes is split into.
func PieceCount(size, pieceSize int64) int64 {
	if size <= 0 || pieceSize <= 0 {
		return 0
	}
	return (size + pieceSize - 1) / pieceSize
}

func PieceLength(size, pieceSize, index int64) int64 {
	left := size - index*pieceSize
	return max(0, min(left, pieceSize))
}
