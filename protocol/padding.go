package protocol

// Standard block sizes used to obscure real payload lengths on the wire.
var padBlocks = []int{256, 512, 1024, 2048}

// Pad extends data to the smallest standard block size using PKCS#7-style
// padding: every padding byte equals the padding length. Data already at or
// beyond the largest block, or needing more than 255 bytes of padding, is
// returned unchanged.
func Pad(data []byte) []byte {
	target := len(data)
	for _, block := range padBlocks {
		if len(data) <= block {
			target = block
			break
		}
	}

	padLen := target - len(data)
	if padLen == 0 || padLen > 255 {
		return data
	}

	out := make([]byte, target)
	copy(out, data)
	for i := len(data); i < target; i++ {
		out[i] = byte(padLen)
	}
	return out
}

// Unpad removes block padding applied by Pad. The trailing byte must be a
// valid padding length and every trailing byte must equal it; otherwise the
// data is returned unchanged.
func Unpad(data []byte) []byte {
	if len(data) == 0 {
		return data
	}

	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return data
	}
	for i := len(data) - padLen; i < len(data); i++ {
		if data[i] != byte(padLen) {
			return data
		}
	}
	return data[:len(data)-padLen]
}
