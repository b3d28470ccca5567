package decoder

import "io"

// ReadBytes reads exactly n bytes from r. It returns io.EOF when r is
// exhausted before the first byte and io.ErrUnexpectedEOF when it ends midway.
func ReadBytes(r io.Reader, n int) ([]byte, error) {
	result := make([]byte, n)
	readed := 0
	for readed < n {
		m, err := r.Read(result[readed:])
		readed += m
		if err == io.EOF && readed == n {
			break
		}
		if err == io.EOF && readed > 0 {
			return result[:readed], io.ErrUnexpectedEOF
		}
		if err != nil {
			return result[:readed], err
		}
	}

	return result, nil
}
