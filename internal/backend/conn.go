// Package backend implements the server-role half of the protocol state
// machine: dialing a backend, performing the client-role handshake and
// authentication, replaying a session's command history after a
// reconnect, and forwarding commands and their replies byte-for-byte
// (spec.md §4.5). It deliberately does not decode result sets beyond
// what is needed to find packet boundaries; rows are opaque to the
// proxy (Non-goals: query result caching, transparent query rewriting).
package backend

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mxgateway/mxgateway/internal/session"
	"github.com/mxgateway/mxgateway/internal/wire"
)

// State is one of the backend endpoint states of spec.md §3 "Backend
// endpoint state".
type State int

const (
	NoConn State = iota
	Connected
	ConnectedFailed
	IdlePooled
	WaitingForConn
)

// Credentials selects the account a Connection authenticates as on the
// backend. Callers fill it from the session's authenticated user and
// stored password hash; there is no separate mapped backend account.
type Credentials struct {
	Username     string
	PasswordHash []byte // SHA1(SHA1(password)), as stored by MariaDB
	Database     string
}

// key identifies a pool slot: a target address plus the credentials a
// pooled connection must have been authenticated with, so a connection
// is never handed to a session with a different effective user
// (spec.md §4.5 "Pooling").
type key struct {
	addr string
	user string
	db   string
}

func (c Credentials) key(addr string) key {
	return key{addr: addr, user: c.Username, db: c.Database}
}

// Connection is one physical link to a backend server, in the client
// role of the wire protocol. It is owned by exactly one Worker/session
// at a time except while sitting idle in a Pool (spec.md §3 "Ownership").
type Connection struct {
	Addr       string
	Creds      Credentials
	Capability uint32

	conn    net.Conn
	r       *wire.Reader
	w       *wire.Writer
	state   State
	openedAt time.Time
	lastUsed time.Time

	serverCaps   uint32
	serverStatus uint16
	connectionID uint32
}

// Dial opens a fresh backend connection and runs the client-role
// handshake and authentication against it (spec.md §4.5). capability is
// the set of flags the proxy wants to request; the server may refuse
// bits it does not support, so the negotiated set is the intersection.
func Dial(ctx context.Context, addr string, creds Credentials, capability uint32) (*Connection, error) {
	d := net.Dialer{}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("backend: dial %s: %w", addr, err)
	}
	c := &Connection{
		Addr:     addr,
		Creds:    creds,
		conn:     raw,
		r:        wire.NewReader(raw),
		w:        wire.NewWriter(raw),
		state:    NoConn,
		openedAt: time.Now(),
	}
	if err := c.handshake(capability); err != nil {
		raw.Close()
		return nil, err
	}
	c.state = Connected
	c.lastUsed = time.Now()
	return c, nil
}

func (c *Connection) handshake(wantCapability uint32) error {
	greeting, err := c.r.ReadPacket()
	if err != nil {
		return fmt.Errorf("backend: read greeting: %w", err)
	}
	if len(greeting) < 1 || greeting[0] != 10 {
		return fmt.Errorf("backend: unsupported protocol version byte %#x", greeting[0])
	}
	pos := 1
	end := pos
	for end < len(greeting) && greeting[end] != 0 {
		end++
	}
	pos = end + 1
	if pos+4 > len(greeting) {
		return fmt.Errorf("backend: truncated greeting")
	}
	c.connectionID = uint32(greeting[pos]) | uint32(greeting[pos+1])<<8 | uint32(greeting[pos+2])<<16 | uint32(greeting[pos+3])<<24
	pos += 4

	scramble := make([]byte, 0, wire.ScrambleLen)
	if pos+8 > len(greeting) {
		return fmt.Errorf("backend: truncated greeting scramble")
	}
	scramble = append(scramble, greeting[pos:pos+8]...)
	pos += 8 + 1 // scramble part 1 + filler

	if pos+2 > len(greeting) {
		return fmt.Errorf("backend: truncated greeting capabilities")
	}
	capLower := uint16(greeting[pos]) | uint16(greeting[pos+1])<<8
	pos += 2
	pos++ // charset
	if pos+2 > len(greeting) {
		return fmt.Errorf("backend: truncated greeting status")
	}
	pos += 2 // status
	if pos+2 > len(greeting) {
		return fmt.Errorf("backend: truncated greeting capabilities hi")
	}
	capUpper := uint16(greeting[pos]) | uint16(greeting[pos+1])<<8
	pos += 2
	c.serverCaps = uint32(capLower) | uint32(capUpper)<<16

	if pos < len(greeting) {
		pos++ // scramble length
	}
	pos += 10 // reserved
	if c.serverCaps&wire.CapSecureConnection != 0 && pos+12 <= len(greeting) {
		scramble = append(scramble, greeting[pos:pos+12]...)
		pos += 12
		if pos < len(greeting) && greeting[pos] == 0 {
			pos++
		}
	}
	authPlugin := wire.AuthNativePassword
	if c.serverCaps&wire.CapPluginAuth != 0 && pos < len(greeting) {
		end = pos
		for end < len(greeting) && greeting[end] != 0 {
			end++
		}
		authPlugin = string(greeting[pos:end])
	}

	negotiated := wantCapability & c.serverCaps
	token := c.authToken(authPlugin, scramble)

	resp := buildHandshakeResponse(negotiated, c.Creds.Username, token, c.Creds.Database)
	if err := c.w.WritePacket(resp); err != nil {
		return fmt.Errorf("backend: write handshake response: %w", err)
	}
	c.Capability = negotiated

	reply, err := c.r.ReadPacket()
	if err != nil {
		return fmt.Errorf("backend: read auth reply: %w", err)
	}
	if len(reply) > 0 && reply[0] == wire.ErrHeader {
		return fmt.Errorf("backend: auth failed: %s", decodeErrorMessage(reply))
	}
	c.r.ResetSequence()
	c.w.ResetSequence()
	return nil
}

// authToken computes the client auth-response bytes for the plugin the
// backend advertised. The proxy only speaks mysql_native_password to
// backends; a backend requiring caching_sha2_password over a plaintext
// link is out of scope.
func (c *Connection) authToken(plugin string, scramble []byte) []byte {
	if len(c.Creds.PasswordHash) == 0 {
		return nil
	}
	return wire.NativePasswordToken(scramble, c.Creds.PasswordHash)
}

func buildHandshakeResponse(capability uint32, username string, authToken []byte, database string) []byte {
	data := make([]byte, 0, 64+len(username)+len(authToken)+len(database))
	data = append(data, byte(capability), byte(capability>>8), byte(capability>>16), byte(capability>>24))
	data = append(data, 0, 0, 0, 1) // max packet size
	data = append(data, 33)         // utf8_general_ci
	data = append(data, make([]byte, 23)...)
	data = append(data, []byte(username)...)
	data = append(data, 0)

	if capability&wire.CapSecureConnection != 0 {
		data = append(data, byte(len(authToken)))
		data = append(data, authToken...)
	} else {
		data = append(data, authToken...)
		data = append(data, 0)
	}
	if capability&wire.CapConnectWithDB != 0 {
		data = append(data, []byte(database)...)
		data = append(data, 0)
	}
	if capability&wire.CapPluginAuth != 0 {
		data = append(data, []byte(wire.AuthNativePassword)...)
		data = append(data, 0)
	}
	return data
}

func decodeErrorMessage(pkt []byte) string {
	if len(pkt) < 3 {
		return "unknown error"
	}
	pos := 3
	if pos < len(pkt) && pkt[pos] == '#' {
		pos += 6
	}
	if pos > len(pkt) {
		return "unknown error"
	}
	return string(pkt[pos:])
}

// State reports the connection's current endpoint state.
func (c *Connection) State() State { return c.state }

// SetState transitions the connection's state, e.g. when the owning
// Endpoint moves it into or out of the per-worker pool.
func (c *Connection) SetState(s State) { c.state = s }

// LastUsed reports when the connection last completed a command, for
// pool max-age eviction (persistmaxtime, spec.md §4.5).
func (c *Connection) LastUsed() time.Time { return c.lastUsed }

// ConnectionID returns the backend server's own thread/connection id for
// this link, as presented in its handshake greeting. KILL handling
// rewrites a proxy-visible session id into this id before issuing the
// backend-visible KILL (spec.md §4.3 "KILL handling").
func (c *Connection) ConnectionID() uint32 { return c.connectionID }

// Close tears down the underlying socket.
func (c *Connection) Close() error {
	c.state = NoConn
	return c.conn.Close()
}

// SendCommand writes a raw client command packet (sequence reset to 0,
// per command-boundary rule, §3) and does not wait for a reply.
func (c *Connection) SendCommand(payload []byte) error {
	c.w.ResetSequence()
	return c.w.WritePacket(payload)
}

// ReadReply reads one full logical reply to a previously sent command:
// an OK, an ERR, or a complete result set (column definitions, optional
// EOF, rows, and a terminating EOF/OK), including any chained result
// sets signalled by SERVER_MORE_RESULTS_EXISTS. It returns the
// concatenated raw frames exactly as received, for byte-for-byte
// forwarding to the client, and the status flags of the terminating
// packet.
func (c *Connection) ReadReply() (raw []byte, status uint16, err error) {
	c.r.ResetSequence()
	for {
		frames, st, isFinal, rerr := c.readOneResultSet()
		if rerr != nil {
			return nil, 0, rerr
		}
		raw = append(raw, frames...)
		status = st
		if isFinal || status&wire.StatusMoreResultsExists == 0 {
			return raw, status, nil
		}
	}
}

func (c *Connection) readOneResultSet() (raw []byte, status uint16, isFinal bool, err error) {
	first, err := c.r.ReadPacket()
	if err != nil {
		return nil, 0, true, err
	}
	raw = append(raw, framed(first, c.r.Sequence()-1)...)

	if len(first) == 0 {
		return raw, 0, true, nil
	}
	switch first[0] {
	case wire.OKHeader:
		return raw, decodeOKStatus(first, c.Capability), true, nil
	case wire.ErrHeader:
		return raw, 0, true, nil
	case 0xfb: // LOCAL INFILE request: no further reply expected from us
		return raw, 0, true, nil
	}

	colCount, _, n := wire.ReadLengthEncodedInt(first)
	if n == 0 {
		return raw, 0, true, nil
	}

	if c.Capability&wire.CapDeprecateEOF == 0 {
		for i := uint64(0); i < colCount; i++ {
			pkt, err := c.r.ReadPacket()
			if err != nil {
				return nil, 0, true, err
			}
			raw = append(raw, framed(pkt, c.r.Sequence()-1)...)
		}
		eof, err := c.r.ReadPacket()
		if err != nil {
			return nil, 0, true, err
		}
		raw = append(raw, framed(eof, c.r.Sequence()-1)...)
	} else {
		for i := uint64(0); i < colCount; i++ {
			pkt, err := c.r.ReadPacket()
			if err != nil {
				return nil, 0, true, err
			}
			raw = append(raw, framed(pkt, c.r.Sequence()-1)...)
		}
	}

	for {
		pkt, err := c.r.ReadPacket()
		if err != nil {
			return nil, 0, true, err
		}
		raw = append(raw, framed(pkt, c.r.Sequence()-1)...)
		if len(pkt) > 0 && (pkt[0] == wire.EOFHeader && len(pkt) < 9) {
			return raw, decodeEOFStatus(pkt, c.Capability), false, nil
		}
		if c.Capability&wire.CapDeprecateEOF != 0 && len(pkt) > 0 && pkt[0] == wire.OKHeader {
			return raw, decodeOKStatus(pkt, c.Capability), false, nil
		}
	}
}

func framed(payload []byte, seq byte) []byte {
	out := make([]byte, 4+len(payload))
	wire.FrameHeader(out, len(payload), seq)
	copy(out[4:], payload)
	return out
}

func decodeOKStatus(pkt []byte, capability uint32) uint16 {
	pos := 1
	_, _, n := wire.ReadLengthEncodedInt(pkt[pos:])
	pos += n
	_, _, n = wire.ReadLengthEncodedInt(pkt[pos:])
	pos += n
	if capability&wire.CapProtocol41 != 0 && pos+2 <= len(pkt) {
		return uint16(pkt[pos]) | uint16(pkt[pos+1])<<8
	}
	return 0
}

func decodeEOFStatus(pkt []byte, capability uint32) uint16 {
	if capability&wire.CapProtocol41 != 0 && len(pkt) >= 5 {
		return uint16(pkt[3]) | uint16(pkt[4])<<8
	}
	return 0
}

// ReplayHistory pipelines a session's recorded commands against this
// (freshly reconnected) connection before any new command is routed
// (spec.md §4.3 "Session command replay"). It returns the reply bytes
// for each entry in order, matched against sess.History.Entries() by
// position; callers compare these against any already-accepted outcome
// for the same history id to detect a replay divergence. A replayed
// COM_STMT_PREPARE is re-assigned a new backend statement id by this
// (new) connection, so sess's prepared-statement bookkeeping is rebound
// to it before the entry's reply is returned (spec.md §8 invariant 4).
func (c *Connection) ReplayHistory(sess *session.Session) ([][]byte, error) {
	entries := sess.History.Entries()
	if len(entries) == 0 {
		return nil, nil
	}
	for _, e := range entries {
		if err := c.SendCommand(e.Packet); err != nil {
			return nil, fmt.Errorf("backend: replay send id=%d: %w", e.ID, err)
		}
	}
	replies := make([][]byte, 0, len(entries))
	for _, e := range entries {
		raw, _, err := c.ReadReply()
		if err != nil {
			return nil, fmt.Errorf("backend: replay read id=%d: %w", e.ID, err)
		}
		if e.IsStmtPrepare && len(raw) >= 13 && raw[4] == wire.OKHeader {
			backendID := uint32(raw[5]) | uint32(raw[6])<<8 | uint32(raw[7])<<16 | uint32(raw[8])<<24
			sess.RebindStmt(e.ID, backendID)
		}
		replies = append(replies, raw)
	}
	return replies, nil
}
