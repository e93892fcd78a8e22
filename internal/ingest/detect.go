package ingest

import "bytes"

// DetectContainer maps leading magic bytes to a file extension hint for the
// transcoder. Unknown payloads get ".bin" and are left to the transcoder's
// own probing.
func DetectContainer(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("RIFF")):
		return ".wav"
	case bytes.HasPrefix(data, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return ".webm"
	case bytes.HasPrefix(data, []byte("ID3")):
		return ".mp3"
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return ".mp3"
	case bytes.HasPrefix(data, []byte("OggS")):
		return ".ogg"
	case bytes.HasPrefix(data, []byte("fLaC")):
		return ".flac"
	default:
		return ".bin"
	}
}
