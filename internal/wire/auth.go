package wire

import (
	"crypto/rand"
	"crypto/sha1"
)

// ScrambleLen is the length of the random challenge the server sends in
// the initial handshake (8 bytes inline, 12 more after the filler; §6).
const ScrambleLen = 20

// GenerateScramble returns a 20-byte random challenge with no embedded
// NUL bytes, since the wire encoding of the initial handshake's first
// part is a NUL-terminated C string fragment.
func GenerateScramble() ([]byte, error) {
	scramble := make([]byte, ScrambleLen)
	if _, err := rand.Read(scramble); err != nil {
		return nil, err
	}
	for i := range scramble {
		if scramble[i] == 0 {
			scramble[i] = 'x'
		}
	}
	return scramble, nil
}

// NativePasswordToken computes the mysql_native_password client response:
// SHA1(password) XOR SHA1(scramble + SHA1(SHA1(password))).
// An empty password yields an empty token.
func NativePasswordToken(scramble, password []byte) []byte {
	if len(password) == 0 {
		return nil
	}
	stage1 := sha1.Sum(password)
	stage2 := sha1.Sum(stage1[:])

	h := sha1.New()
	h.Write(scramble)
	h.Write(stage2[:])
	scrambleHash := h.Sum(nil)

	token := make([]byte, len(scrambleHash))
	for i := range scrambleHash {
		token[i] = scrambleHash[i] ^ stage1[i]
	}
	return token
}

// CheckNativePassword reports whether token is the correct
// mysql_native_password response to scramble for the account whose
// mysql.user password hash is storedHash (SHA1(SHA1(password)), 20
// bytes, as stored by MariaDB).
func CheckNativePassword(scramble, token, storedHash []byte) bool {
	if len(storedHash) == 0 {
		return len(token) == 0
	}
	if len(token) != sha1.Size {
		return false
	}
	h := sha1.New()
	h.Write(scramble)
	h.Write(storedHash)
	candidateStage1 := h.Sum(nil)
	for i := range candidateStage1 {
		candidateStage1[i] ^= token[i]
	}
	check := sha1.Sum(candidateStage1)
	for i := range check {
		if check[i] != storedHash[i] {
			return false
		}
	}
	return true
}

// HandshakeV10 renders the initial server greeting payload described in
// §6: protocol version 10, version string, thread id, scramble, filler,
// capability flags, charset, status, scramble length, 10 reserved bytes,
// the remainder of the scramble, and the default auth plugin name.
type HandshakeV10 struct {
	ServerVersion   string
	ConnectionID    uint32
	Scramble        []byte // must be ScrambleLen bytes
	Capability      uint32
	Charset         byte
	Status          uint16
	AuthPluginName  string
}

// Encode renders the handshake payload (without the 4-byte frame header).
func (h HandshakeV10) Encode() []byte {
	data := make([]byte, 0, 128)
	data = append(data, 10)
	data = append(data, []byte(h.ServerVersion)...)
	data = append(data, 0)
	data = append(data, byte(h.ConnectionID), byte(h.ConnectionID>>8), byte(h.ConnectionID>>16), byte(h.ConnectionID>>24))
	data = append(data, h.Scramble[0:8]...)
	data = append(data, 0) // filler

	capLower := uint16(h.Capability)
	data = append(data, byte(capLower), byte(capLower>>8))
	data = append(data, h.Charset)
	data = append(data, byte(h.Status), byte(h.Status>>8))
	capUpper := uint16(h.Capability >> 16)
	data = append(data, byte(capUpper), byte(capUpper>>8))

	if h.Capability&CapPluginAuth != 0 {
		data = append(data, byte(len(h.Scramble)+1))
	} else {
		data = append(data, 0)
	}
	data = append(data, make([]byte, 10)...) // reserved

	if h.Capability&CapSecureConnection != 0 {
		data = append(data, h.Scramble[8:20]...)
		data = append(data, 0)
	}
	if h.Capability&CapPluginAuth != 0 {
		data = append(data, []byte(h.AuthPluginName)...)
		data = append(data, 0)
	}
	return data
}

// HandshakeResponse holds the parsed fields of a client HandshakeResponse
// packet (§6). Attrs holds connection attributes as raw key/value pairs
// in the order received.
type HandshakeResponse struct {
	Capability   uint32
	MaxPacket    uint32
	Charset      byte
	Username     string
	AuthResponse []byte
	Database     string
	AuthPlugin   string
	Attrs        map[string]string
}

// ParseHandshakeResponse decodes a HandshakeResponse packet body. It
// rejects payloads shorter than 38 bytes (pre-4.1 style, §4.1 EXPECT_HS_RESP).
func ParseHandshakeResponse(packet []byte) (*HandshakeResponse, error) {
	if len(packet) < 38 {
		return nil, errShortHandshake
	}
	resp := &HandshakeResponse{}
	pos := 0
	resp.Capability = leU32(packet[pos:])
	pos += 4
	resp.MaxPacket = leU32(packet[pos:])
	pos += 4
	resp.Charset = packet[pos]
	pos++
	pos += 23 // reserved

	if pos > len(packet) {
		return nil, errShortHandshake
	}

	if resp.Capability&CapProtocol41 == 0 {
		return nil, errShortHandshake
	}

	user, n := readCString(packet[pos:])
	resp.Username = user
	pos += n

	if resp.Capability&CapPluginAuthLenencData != 0 {
		auth, consumed, ok := ReadLengthEncodedString(packet[pos:])
		if !ok {
			return nil, errShortHandshake
		}
		resp.AuthResponse = auth
		pos += consumed
	} else if resp.Capability&CapSecureConnection != 0 {
		if pos >= len(packet) {
			return nil, errShortHandshake
		}
		authLen := int(packet[pos])
		pos++
		if pos+authLen > len(packet) {
			return nil, errShortHandshake
		}
		resp.AuthResponse = packet[pos : pos+authLen]
		pos += authLen
	} else {
		auth, n := readCString(packet[pos:])
		resp.AuthResponse = []byte(auth)
		pos += n
	}

	if resp.Capability&CapConnectWithDB != 0 && pos < len(packet) {
		db, n := readCString(packet[pos:])
		resp.Database = db
		pos += n
	}

	if resp.Capability&CapPluginAuth != 0 && pos < len(packet) {
		plugin, n := readCString(packet[pos:])
		resp.AuthPlugin = plugin
		pos += n
	}

	if resp.Capability&CapConnectAttrs != 0 && pos < len(packet) {
		attrsBlob, consumed, ok := ReadLengthEncodedString(packet[pos:])
		if ok {
			resp.Attrs = parseConnectAttrs(attrsBlob)
			pos += consumed
		}
	}

	return resp, nil
}

func parseConnectAttrs(blob []byte) map[string]string {
	attrs := make(map[string]string)
	pos := 0
	for pos < len(blob) {
		key, kn, ok := ReadLengthEncodedString(blob[pos:])
		if !ok {
			break
		}
		pos += kn
		val, vn, ok := ReadLengthEncodedString(blob[pos:])
		if !ok {
			break
		}
		pos += vn
		attrs[string(key)] = string(val)
	}
	return attrs
}

func readCString(b []byte) (string, int) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), i + 1
		}
	}
	return string(b), len(b)
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

var errShortHandshake = shortHandshakeError{}

type shortHandshakeError struct{}

func (shortHandshakeError) Error() string { return "handshake response too short" }
