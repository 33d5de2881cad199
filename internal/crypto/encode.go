package crypto

import "encoding/base64"

// B64 returns unpadded standard base64, the form keys and session ids use.
func B64(b []byte) string { return base64.RawStdEncoding.EncodeToString(b) }

// UnB64 decodes unpadded standard base64.
func UnB64(s string) ([]byte, error) { return base64.RawStdEncoding.DecodeString(s) }
