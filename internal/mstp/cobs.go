package mstp

import "errors"

// ErrCOBSMalformed is returned by COBSDecode when the input is not a
// well-formed COBS encoding (a zero length-code, or a length-code that
// runs past the end of the buffer).
var ErrCOBSMalformed = errors.New("mstp: malformed cobs frame")

// COBSEncode encodes src (which may contain zero bytes) into dst using
// Consistent-Overhead Byte Stuffing, appending the encoding to dst and
// returning the result. Overhead is at most one byte per 254-byte
// run, per spec.md section 4.4.
func COBSEncode(dst, src []byte) []byte {
	start := len(dst)
	dst = append(dst, 0) // placeholder for the first length-code
	codeIdx := start
	code := byte(1)

	emit := func(b byte) {
		dst = append(dst, b)
		code++
		if code == 0xFF {
			dst[codeIdx] = code
			dst = append(dst, 0)
			codeIdx = len(dst) - 1
			code = 1
		}
	}

	for _, b := range src {
		if b == 0 {
			dst[codeIdx] = code
			dst = append(dst, 0)
			codeIdx = len(dst) - 1
			code = 1
			continue
		}
		emit(b)
	}
	dst[codeIdx] = code
	return dst
}

// COBSDecode reverses COBSEncode, appending the decoded bytes to dst
// and returning the result. Returns ErrCOBSMalformed on truncated or
// invalid input.
func COBSDecode(dst, src []byte) ([]byte, error) {
	i := 0
	for i < len(src) {
		code := src[i]
		if code == 0 {
			return dst, ErrCOBSMalformed
		}
		i++
		run := int(code) - 1
		if i+run > len(src) {
			return dst, ErrCOBSMalformed
		}
		dst = append(dst, src[i:i+run]...)
		i += run
		if code < 0xFF && i < len(src) {
			dst = append(dst, 0)
		}
	}
	return dst, nil
}
